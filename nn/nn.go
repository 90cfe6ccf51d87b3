// Package nn is a CPU training and inference engine for small neural
// networks: dense feed-forward stacks, RNN/GRU/LSTM recurrent stacks with
// truncated backpropagation through time, and pre-norm transformer
// encoders and decoders with grouped-query attention, RoPE or sinusoidal
// positions, and KV-cached incremental decoding.
//
// A Network is built from a Skeleton, trained against a Dataset with SGD
// momentum or AdamW under an optional learning-rate schedule and dynamic
// loss scaling, and persisted as a named model package or a sharded
// training checkpoint. Decoder models additionally expose sampling-based
// generation, both single-stream and continuously batched across lockstep
// slots.
//
// All compute is float32 on flat row-major slices; no SIMD, no GPU. The
// engine is deterministic for a fixed seed.
package nn
