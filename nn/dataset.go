package nn

// DatasetKind tags the source family of a dataset.
type DatasetKind int

const (
	DatasetCSV   DatasetKind = 0
	DatasetImage DatasetKind = 1
	DatasetText  DatasetKind = 2
)

// Span is a (start, length) pair marking one sequence inside a dataset.
type Span struct {
	Start  int
	Length int
}

// Dataset is the read-only contract the training loop consumes. Row views
// are zero-copy and remain valid until the next call that may mutate the
// dataset's internal caches; the engine never retains them across samples.
//
// Parsers (CSV preprocessors, image loaders, token-file readers, mapped
// matrix readers) live outside the engine and implement this interface.
type Dataset interface {
	Kind() DatasetKind
	TrainSize() int
	TestSize() int
	FeatureCount() int

	// TrainRow and TestRow return the feature view of row i.
	TrainRow(i int) []float32
	TestRow(i int) []float32

	// TrainExpected and TestExpected return the target view of row i.
	TrainExpected(i int) []float32
	TestExpected(i int) []float32

	// HasFixedRowSize and HasFixedExpectedSize declare that every row has
	// the same width, enabling O(1) shape validation instead of a scan.
	HasFixedRowSize() bool
	HasFixedExpectedSize() bool

	// Spans returns the sequence spans of the train set. An empty slice
	// means the entire set forms one sequence.
	Spans() []Span

	// TokenID returns the token id at row i for token-LM datasets. ok is
	// false when the dataset carries no token ids.
	TokenID(i int) (tok int, ok bool)
}

// Header constants for the memory-mapped float-matrix format consumed by
// external mapped readers: a fixed 64-byte header followed by rows*cols
// little-endian float32 values in row-major order.
const (
	MappedMatrixMagic      = "GLADES_GCOL_V1\x00"
	MappedMatrixVersion    = 1
	MappedMatrixDTypeF32   = 1
	MappedMatrixHeaderSize = 64
)

// SliceDataset is the in-memory reference implementation of Dataset, used
// by the tests and as the adapter for callers that already hold rows.
type SliceDataset struct {
	DataKind     DatasetKind
	TrainInputs  [][]float32
	TrainTargets [][]float32
	TestInputs   [][]float32
	TestTargets  [][]float32
	SeqSpans     []Span
	Tokens       []int // token ids aligned with TrainInputs, nil when absent
}

// NewSliceDataset wraps training rows and targets into a dataset.
func NewSliceDataset(inputs, targets [][]float32) *SliceDataset {
	return &SliceDataset{
		DataKind:     DatasetCSV,
		TrainInputs:  inputs,
		TrainTargets: targets,
	}
}

// NewTokenDataset wraps a token stream into a token-LM dataset. Each row
// carries its token id as the single feature; the expected row is the next
// token inside the same span.
func NewTokenDataset(tokens []int, spans []Span) *SliceDataset {
	inputs := make([][]float32, len(tokens))
	targets := make([][]float32, len(tokens))
	for i, t := range tokens {
		inputs[i] = []float32{float32(t)}
		next := 0
		if i+1 < len(tokens) {
			next = tokens[i+1]
		}
		targets[i] = []float32{float32(next)}
	}
	return &SliceDataset{
		DataKind:     DatasetText,
		TrainInputs:  inputs,
		TrainTargets: targets,
		SeqSpans:     spans,
		Tokens:       tokens,
	}
}

func (d *SliceDataset) Kind() DatasetKind { return d.DataKind }
func (d *SliceDataset) TrainSize() int    { return len(d.TrainInputs) }
func (d *SliceDataset) TestSize() int     { return len(d.TestInputs) }

func (d *SliceDataset) FeatureCount() int {
	if len(d.TrainInputs) == 0 {
		return 0
	}
	return len(d.TrainInputs[0])
}

func (d *SliceDataset) TrainRow(i int) []float32      { return d.TrainInputs[i] }
func (d *SliceDataset) TestRow(i int) []float32       { return d.TestInputs[i] }
func (d *SliceDataset) TrainExpected(i int) []float32 { return d.TrainTargets[i] }
func (d *SliceDataset) TestExpected(i int) []float32  { return d.TestTargets[i] }
func (d *SliceDataset) HasFixedRowSize() bool         { return true }
func (d *SliceDataset) HasFixedExpectedSize() bool    { return true }
func (d *SliceDataset) Spans() []Span                 { return d.SeqSpans }

func (d *SliceDataset) TokenID(i int) (int, bool) {
	if d.Tokens == nil || i < 0 || i >= len(d.Tokens) {
		return 0, false
	}
	return d.Tokens[i], true
}

// SetTrainSequenceStarts configures spans from start offsets; each span
// runs to the next start, the last one to the end of the train set.
func (d *SliceDataset) SetTrainSequenceStarts(starts []int) {
	d.SeqSpans = d.SeqSpans[:0]
	for i, s := range starts {
		end := len(d.TrainInputs)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		d.SeqSpans = append(d.SeqSpans, Span{Start: s, Length: end - s})
	}
}

// effectiveSpans resolves the span list for iteration: the declared spans,
// or one span covering the whole train set.
func effectiveSpans(ds Dataset) []Span {
	spans := ds.Spans()
	if len(spans) == 0 {
		return []Span{{Start: 0, Length: ds.TrainSize()}}
	}
	return spans
}
