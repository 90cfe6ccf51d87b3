package nn

import (
	"math"
	"testing"
)

func TestClassificationMetrics(t *testing.T) {
	var m EpochMetrics
	m.reset(2)
	// 3 correct on class 0, 1 correct on class 1, 1 confusion each way.
	m.addClassification(0, 0)
	m.addClassification(0, 0)
	m.addClassification(0, 0)
	m.addClassification(1, 1)
	m.addClassification(1, 0)
	m.addClassification(0, 1)
	m.finalize()

	if math.Abs(m.Accuracy-4.0/6.0) > 1e-9 {
		t.Fatalf("accuracy %g, want %g", m.Accuracy, 4.0/6.0)
	}
	if m.Confusion[0][0] != 3 || m.Confusion[0][1] != 1 || m.Confusion[1][0] != 1 || m.Confusion[1][1] != 1 {
		t.Fatalf("confusion matrix %v", m.Confusion)
	}
	p0 := m.PerClass[0]
	if math.Abs(p0.Precision-3.0/4.0) > 1e-9 {
		t.Fatalf("class 0 precision %g, want 0.75", p0.Precision)
	}
	if math.Abs(p0.Recall-3.0/4.0) > 1e-9 {
		t.Fatalf("class 0 recall %g, want 0.75", p0.Recall)
	}
	if m.MCC <= 0 || m.MCC >= 1 {
		t.Fatalf("mcc %g outside (0, 1) for an imperfect classifier", m.MCC)
	}
}

func TestPerfectClassifierMCC(t *testing.T) {
	var m EpochMetrics
	m.reset(3)
	for c := 0; c < 3; c++ {
		for i := 0; i < 5; i++ {
			m.addClassification(c, c)
		}
	}
	m.finalize()
	if math.Abs(m.MCC-1) > 1e-9 {
		t.Fatalf("perfect classifier mcc %g, want 1", m.MCC)
	}
	if m.Accuracy != 1 {
		t.Fatalf("perfect classifier accuracy %g", m.Accuracy)
	}
}

func TestRegressionR2(t *testing.T) {
	var m EpochMetrics
	m.reset(0)
	// Perfect predictions: R² must be 1.
	for _, y := range []float32{1, 2, 3, 4} {
		m.addRegression(y, y)
	}
	m.finalize()
	if m.R2 != 1 {
		t.Fatalf("perfect fit r2 %g", m.R2)
	}

	m.reset(0)
	// Mean-only predictor: R² near 0.
	for _, y := range []float32{1, 2, 3, 4} {
		m.addRegression(2.5, y)
	}
	m.finalize()
	if math.Abs(m.R2) > 1e-6 {
		t.Fatalf("mean predictor r2 %g, want 0", m.R2)
	}
}

func TestPerplexityFromNLL(t *testing.T) {
	var m EpochMetrics
	m.reset(0)
	nll := math.Log(8)
	for i := 0; i < 10; i++ {
		m.addNLL(nll)
	}
	m.finalize()
	if math.Abs(m.Perplexity-8) > 1e-9 {
		t.Fatalf("perplexity %g, want 8", m.Perplexity)
	}
}

func TestBiasedLossSuppressesPerplexity(t *testing.T) {
	var m EpochMetrics
	m.reset(0)
	m.addNLL(1)
	m.BiasedLoss = true
	m.finalize()
	if !math.IsNaN(m.Perplexity) {
		t.Fatalf("biased perplexity %g, want NaN", m.Perplexity)
	}
}
