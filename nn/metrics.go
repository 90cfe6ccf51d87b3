package nn

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// ClassStats holds the per-class metrics derived from the confusion matrix
// at epoch end.
type ClassStats struct {
	Precision   float64
	Recall      float64
	Specificity float64
	F1          float64
}

// EpochMetrics accumulates per-epoch training or test statistics. The
// regression block feeds R²; the classification block feeds the confusion
// matrix and its derived metrics; token LMs additionally track perplexity.
type EpochMetrics struct {
	// Regression accumulators.
	SSE      float64
	SAE      float64
	SumY     float64
	SumY2    float64
	RegCount int

	// Classification accumulators.
	ClsCorrect int
	ClsTotal   int
	Confusion  [][]int

	// Token-LM accumulators: summed NLL over non-pad positions.
	NLLSum   float64
	NLLCount int

	// Derived at epoch end.
	R2         float64
	Accuracy   float64
	MCC        float64
	PerClass   []ClassStats
	Perplexity float64

	// True when the objective was biased (sampled softmax); Perplexity is
	// NaN in that case.
	BiasedLoss bool
}

// reset clears the accumulators, resizing the confusion matrix to classes.
func (m *EpochMetrics) reset(classes int) {
	m.SSE, m.SAE, m.SumY, m.SumY2 = 0, 0, 0, 0
	m.RegCount = 0
	m.ClsCorrect, m.ClsTotal = 0, 0
	m.NLLSum, m.NLLCount = 0, 0
	m.R2, m.Accuracy, m.MCC, m.Perplexity = 0, 0, 0, 0
	m.PerClass = nil
	m.BiasedLoss = false
	if classes > 0 {
		if len(m.Confusion) != classes {
			m.Confusion = make([][]int, classes)
			for i := range m.Confusion {
				m.Confusion[i] = make([]int, classes)
			}
		} else {
			for i := range m.Confusion {
				for j := range m.Confusion[i] {
					m.Confusion[i][j] = 0
				}
			}
		}
	} else {
		m.Confusion = nil
	}
}

// addRegression folds one predicted/target output pair in.
func (m *EpochMetrics) addRegression(pred, target float32) {
	d := float64(pred) - float64(target)
	m.SSE += d * d
	m.SAE += math.Abs(d)
	m.SumY += float64(target)
	m.SumY2 += float64(target) * float64(target)
	m.RegCount++
}

// addClassification folds one prediction into the confusion matrix, which
// is indexed [actual][predicted].
func (m *EpochMetrics) addClassification(predicted, actual int) {
	m.ClsTotal++
	if predicted == actual {
		m.ClsCorrect++
	}
	if actual >= 0 && actual < len(m.Confusion) && predicted >= 0 && predicted < len(m.Confusion) {
		m.Confusion[actual][predicted]++
	}
}

// addNLL folds one token's negative log likelihood in.
func (m *EpochMetrics) addNLL(nll float64) {
	m.NLLSum += nll
	m.NLLCount++
}

// finalize computes the derived metrics from the accumulators.
func (m *EpochMetrics) finalize() {
	if m.RegCount > 0 {
		n := float64(m.RegCount)
		meanY := m.SumY / n
		ssTot := m.SumY2 - n*meanY*meanY
		if ssTot > 0 {
			m.R2 = 1 - m.SSE/ssTot
		} else if m.SSE == 0 {
			m.R2 = 1
		}
	}
	if m.ClsTotal > 0 {
		m.Accuracy = float64(m.ClsCorrect) / float64(m.ClsTotal)
	}
	if len(m.Confusion) > 0 {
		m.PerClass = make([]ClassStats, len(m.Confusion))
		total := 0.0
		rowSums := make([]float64, len(m.Confusion))
		colSums := make([]float64, len(m.Confusion))
		row := make([]float64, len(m.Confusion))
		for i := range m.Confusion {
			for j, v := range m.Confusion[i] {
				row[j] = float64(v)
				colSums[j] += float64(v)
			}
			rowSums[i] = floats.Sum(row)
			total += rowSums[i]
		}
		var mccNum, mccC, mccS float64
		diag := 0.0
		for k := range m.Confusion {
			tp := float64(m.Confusion[k][k])
			fn := rowSums[k] - tp
			fp := colSums[k] - tp
			tn := total - tp - fn - fp
			st := &m.PerClass[k]
			if tp+fp > 0 {
				st.Precision = tp / (tp + fp)
			}
			if tp+fn > 0 {
				st.Recall = tp / (tp + fn)
			}
			if tn+fp > 0 {
				st.Specificity = tn / (tn + fp)
			}
			if st.Precision+st.Recall > 0 {
				st.F1 = 2 * st.Precision * st.Recall / (st.Precision + st.Recall)
			}
			diag += tp
		}
		// Multiclass MCC in the Gorodkin formulation.
		mccC = diag*total - floats.Dot(rowSums, colSums)
		sumRow2 := floats.Dot(rowSums, rowSums)
		sumCol2 := floats.Dot(colSums, colSums)
		mccS = math.Sqrt(total*total-sumRow2) * math.Sqrt(total*total-sumCol2)
		if mccS > 0 {
			mccNum = mccC / mccS
		}
		m.MCC = mccNum
	}
	if m.NLLCount > 0 {
		if m.BiasedLoss {
			m.Perplexity = math.NaN()
		} else {
			m.Perplexity = math.Exp(m.NLLSum / float64(m.NLLCount))
		}
	}
}

// MSE returns the mean squared error of the epoch.
func (m *EpochMetrics) MSE() float64 {
	if m.RegCount == 0 {
		return 0
	}
	return m.SSE / float64(m.RegCount)
}
