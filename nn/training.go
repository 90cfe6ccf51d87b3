package nn

import (
	"fmt"
	"time"
)

// maybeUpdate applies the optimizer step once the minibatch is full.
// force flushes a short final batch at the end of an epoch; gradients are
// averaged over however many samples actually accumulated.
func (n *Network) maybeUpdate(force bool) error {
	if n.batchCount == 0 {
		return nil
	}
	mb := n.cfg.MinibatchSize
	if mb < 1 {
		mb = 1
	}
	if !force && n.batchCount < mb {
		return nil
	}
	norm, scale, err := n.params.applyUpdate(n.skel, &n.cfg, &n.ls, n.lrMul, n.batchCount)
	n.batchCount = 0
	if err != nil {
		return err
	}
	if norm >= 0 {
		n.lastGradNorm, n.lastGradScale = norm, scale
	}
	return nil
}

func dsSize(ds Dataset, mode RunMode) int {
	if mode == RunTrain {
		return ds.TrainSize()
	}
	return ds.TestSize()
}

func dsRow(ds Dataset, mode RunMode, i int) ([]float32, []float32) {
	if mode == RunTrain {
		return ds.TrainRow(i), ds.TrainExpected(i)
	}
	return ds.TestRow(i), ds.TestExpected(i)
}

// beginRun acquires the run lock without blocking. A network is
// single-owner: overlapping runs on the same instance are a caller bug.
func (n *Network) beginRun() error {
	if !n.runMu.TryLock() {
		return fmt.Errorf("%w: run already in progress", ErrInvalidState)
	}
	n.running.Store(true)
	return nil
}

func (n *Network) endRun() {
	n.running.Store(false)
	n.runMu.Unlock()
}

// Train runs up to epochs passes over the dataset's training rows. The
// callbacks argument may be nil. Train returns the first hard failure; a
// clean early stop (terminator or callback) is not an error.
func (n *Network) Train(ds Dataset, epochs int, cb TrainingCallbacks) error {
	if ds == nil {
		return fmt.Errorf("%w: nil dataset", ErrInvalidArgument)
	}
	if epochs <= 0 {
		return fmt.Errorf("%w: epochs must be positive, got %d", ErrInvalidArgument, epochs)
	}
	if err := n.beginRun(); err != nil {
		return err
	}
	defer n.endRun()
	n.lastErr = nil

	if ds.TrainSize() == 0 {
		n.lastErr = fmt.Errorf("%w: dataset has no training rows", ErrEmptyData)
		return n.lastErr
	}
	if err := n.ensureParams(ds.FeatureCount()); err != nil {
		n.lastErr = err
		return err
	}
	if err := spotCheckFinite(ds); err != nil {
		n.lastErr = err
		return err
	}

	if cb != nil {
		cb.OnRunStart(n)
	}
	start := time.Now()
	maxEpochs := epochs
	if n.term.MaxEpochs > 0 && n.term.MaxEpochs < maxEpochs {
		maxEpochs = n.term.MaxEpochs
	}
	var runErr error
	for epoch := 0; epoch < maxEpochs; epoch++ {
		n.lrMul = n.cfg.Schedule.Multiplier(epoch)
		if runErr = n.runEpoch(ds, RunTrain); runErr != nil {
			break
		}
		m := &n.metrics
		n.logf("epoch=%d mse=%.6g acc=%.4f lr_mul=%.4g grad_norm=%.4g",
			epoch, m.MSE(), m.Accuracy, n.lrMul, n.lastGradNorm)
		if cb != nil && cb.OnEpochEnd(n, epoch, m) {
			break
		}
		if n.term.TargetAccuracy > 0 && m.Accuracy >= n.term.TargetAccuracy {
			break
		}
		if n.term.MaxWallclock > 0 && time.Since(start) >= n.term.MaxWallclock {
			break
		}
	}
	n.lastErr = runErr
	if cb != nil {
		cb.OnRunEnd(n, runErr)
	}
	return runErr
}

// Test evaluates the network over the dataset's test rows, leaving the
// results in Metrics. Weights are not touched.
func (n *Network) Test(ds Dataset) error { return n.evaluate(ds, RunTest) }

// Validate is Test under a separate mode tag, for callers that hold out a
// validation split in the test slots of a second dataset.
func (n *Network) Validate(ds Dataset) error { return n.evaluate(ds, RunValidate) }

func (n *Network) evaluate(ds Dataset, mode RunMode) error {
	if ds == nil {
		return fmt.Errorf("%w: nil dataset", ErrInvalidArgument)
	}
	if err := n.beginRun(); err != nil {
		return err
	}
	defer n.endRun()

	if ds.TestSize() == 0 {
		return fmt.Errorf("%w: dataset has no test rows", ErrEmptyData)
	}
	if err := n.ensureParams(ds.FeatureCount()); err != nil {
		return err
	}
	return n.runEpoch(ds, mode)
}

// runEpoch executes one full pass in the given mode and finalizes the
// epoch metrics.
func (n *Network) runEpoch(ds Dataset, mode RunMode) error {
	classes := 0
	if n.skel.OutputKind != OutputRegression && !n.skel.Transformer.TokenLM {
		classes = n.params.outputSize
	}
	n.metrics.reset(classes)

	var err error
	switch {
	case n.arch == ArchDFF:
		err = n.dffEpoch(ds, mode)
	case n.arch.IsRecurrent():
		err = n.recEpoch(ds, mode)
	case n.arch.IsTransformer():
		err = n.tfEpoch(ds, mode)
	default:
		err = fmt.Errorf("%w: unsupported architecture %d", ErrInternal, n.arch)
	}
	if err != nil {
		return err
	}
	if mode == RunTrain {
		if err := n.maybeUpdate(true); err != nil {
			return err
		}
	}
	n.metrics.finalize()
	return nil
}

func (n *Network) dffEpoch(ds Dataset, mode RunMode) error {
	n.ensureDFFScratch()
	size := dsSize(ds, mode)
	for i := 0; i < size; i++ {
		row, target := dsRow(ds, mode, i)
		if err := n.dffStep(row, target, mode); err != nil {
			return err
		}
	}
	return nil
}

// recEpoch walks the dataset's sequence spans in order, resetting hidden
// state at every span boundary. Evaluation treats the test rows as one
// sequence.
func (n *Network) recEpoch(ds Dataset, mode RunMode) error {
	n.ensureRecScratch()
	if mode != RunTrain {
		n.resetSequence()
		size := ds.TestSize()
		for i := 0; i < size; i++ {
			row, target := dsRow(ds, mode, i)
			if err := n.recStep(row, target, i == size-1, mode); err != nil {
				return err
			}
		}
		return nil
	}
	for _, span := range effectiveSpans(ds) {
		n.resetSequence()
		for k := 0; k < span.Length; k++ {
			row, target := dsRow(ds, mode, span.Start+k)
			if err := n.recStep(row, target, k == span.Length-1, mode); err != nil {
				return err
			}
		}
	}
	return nil
}

func (n *Network) tfEpoch(ds Dataset, mode RunMode) error {
	n.ensureTFScratch()
	if mode != RunTrain {
		span := Span{Start: 0, Length: ds.TestSize()}
		_, err := n.tfRunSpan(ds, span, mode)
		return err
	}
	for _, span := range effectiveSpans(ds) {
		count, err := n.tfRunSpan(ds, span, mode)
		if err != nil {
			return err
		}
		n.batchCount += count
		if err := n.maybeUpdate(false); err != nil {
			return err
		}
	}
	return nil
}
