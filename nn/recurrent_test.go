package nn

import "testing"

// cycleDataset builds a deterministic symbol cycle: each row is a one-hot
// symbol and the target is the one-hot of the next symbol. Learning it
// requires carrying state only one step, which every recurrent cell can
// do, but the duplicated symbol makes it unsolvable without memory.
func cycleDataset(n int) *SliceDataset {
	// Pattern 0,1,0,2: after a 0 the successor depends on history.
	pattern := []int{0, 1, 0, 2}
	inputs := make([][]float32, n)
	targets := make([][]float32, n)
	for i := 0; i < n; i++ {
		cur := pattern[i%len(pattern)]
		next := pattern[(i+1)%len(pattern)]
		row := make([]float32, 3)
		row[cur] = 1
		tgt := make([]float32, 3)
		tgt[next] = 1
		inputs[i] = row
		targets[i] = tgt
	}
	ds := NewSliceDataset(inputs, targets)
	ds.TestInputs = inputs
	ds.TestTargets = targets
	return ds
}

func recurrentSkeleton(hidden int) *Skeleton {
	return &Skeleton{
		Layers:       []LayerSpec{{Size: hidden}, {Size: 3}},
		OutputKind:   OutputClassification,
		LearningRate: 0.05,
		Momentum:     0.9,
		TBPTTWindow:  8,
	}
}

func TestLSTMLearnsStatefulCycle(t *testing.T) {
	net := NewWithSkeleton(ArchLSTM, recurrentSkeleton(16))
	if err := net.SetSeed(7); err != nil {
		t.Fatal(err)
	}
	ds := cycleDataset(64)
	if err := net.Train(ds, 300, nil); err != nil {
		t.Fatalf("train: %v", err)
	}
	if err := net.Test(ds); err != nil {
		t.Fatalf("test: %v", err)
	}
	if acc := net.Metrics().Accuracy; acc < 0.9 {
		t.Fatalf("lstm cycle accuracy %.3f, want >= 0.9", acc)
	}
}

func TestGRULearnsStatefulCycle(t *testing.T) {
	net := NewWithSkeleton(ArchGRU, recurrentSkeleton(16))
	if err := net.SetSeed(7); err != nil {
		t.Fatal(err)
	}
	ds := cycleDataset(64)
	if err := net.Train(ds, 300, nil); err != nil {
		t.Fatalf("train: %v", err)
	}
	if err := net.Test(ds); err != nil {
		t.Fatalf("test: %v", err)
	}
	if acc := net.Metrics().Accuracy; acc < 0.9 {
		t.Fatalf("gru cycle accuracy %.3f, want >= 0.9", acc)
	}
}

func TestRNNTrainsWithoutDivergence(t *testing.T) {
	net := NewWithSkeleton(ArchRNN, recurrentSkeleton(16))
	ds := cycleDataset(64)
	if err := net.Train(ds, 50, nil); err != nil {
		t.Fatalf("train: %v", err)
	}
	m := net.Metrics()
	if m.ClsTotal == 0 {
		t.Fatal("no classification samples recorded")
	}
	if m.Accuracy < 0.5 {
		t.Fatalf("rnn accuracy %.3f after 50 epochs, want >= 0.5", m.Accuracy)
	}
}

func TestSequenceSpansResetState(t *testing.T) {
	// Two independent sequences; spans must keep the second sequence from
	// seeing the first one's hidden state. The run just has to complete
	// and count every timestep.
	ds := cycleDataset(32)
	ds.SetTrainSequenceStarts([]int{0, 16})

	net := NewWithSkeleton(ArchLSTM, recurrentSkeleton(8))
	if err := net.Train(ds, 3, nil); err != nil {
		t.Fatalf("train: %v", err)
	}
	if got := net.Metrics().ClsTotal; got != 32 {
		t.Fatalf("counted %d timesteps per epoch, want 32", got)
	}
}

func TestRecurrentBackwardReusesScratch(t *testing.T) {
	// Forward, loss, and the TBPTT flush all run on preallocated scratch.
	net := NewWithSkeleton(ArchGRU, recurrentSkeleton(8))
	if err := net.ensureParams(3); err != nil {
		t.Fatal(err)
	}
	net.ensureRecScratch()
	net.metrics.reset(3)

	row := []float32{1, 0, 0}
	target := []float32{0, 1, 0}
	allocs := testing.AllocsPerRun(50, func() {
		hTop := net.recStepForward(row, 0)
		y := net.recReadout(hTop)
		net.recLossDelta(y, target, hTop, 0, true)
		net.recBackwardWindow(1)
	})
	if allocs != 0 {
		t.Fatalf("recurrent step allocated %.1f times per run, want 0", allocs)
	}
}

func TestLSTMForgetGateBiasInit(t *testing.T) {
	net := NewWithSkeleton(ArchLSTM, recurrentSkeleton(4))
	if err := net.Train(cycleDataset(8), 1, nil); err != nil {
		t.Fatalf("train: %v", err)
	}
	// After a single tiny epoch the forget-gate bias slice should still
	// sit near its ones initialization.
	var bias *Tensor
	net.params.forEach(func(tn *Tensor) {
		if tn.Name == "rec.h0.b" {
			bias = tn
		}
	})
	if bias == nil {
		t.Fatal("hidden bias tensor not found")
	}
	h := 4
	for i := h; i < 2*h; i++ {
		if bias.Data[i] < 0.5 || bias.Data[i] > 1.5 {
			t.Fatalf("forget bias[%d] = %g, want near 1", i-h, bias.Data[i])
		}
	}
}
