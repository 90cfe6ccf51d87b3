// Command glades is a small demonstration driver for the engine: it
// trains toy models of each architecture family and round-trips them
// through the model store.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/glades-ml/glades/nn"
	"github.com/glades-ml/glades/tokenizer"
)

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		usage()
	}
	switch os.Args[1] {
	case "xor":
		runXOR(os.Args[2:])
	case "lm":
		runLM(os.Args[2:])
	case "generate":
		runGenerate(os.Args[2:])
	default:
		usage()
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: glades <xor|lm|generate> [flags]")
	os.Exit(2)
}

// runXOR trains a tiny dense classifier on the XOR truth table.
func runXOR(args []string) {
	fs := flag.NewFlagSet("xor", flag.ExitOnError)
	epochs := fs.Int("epochs", 2000, "training epochs")
	fs.Parse(args)

	ds := nn.NewSliceDataset(
		[][]float32{{0, 0}, {0, 1}, {1, 0}, {1, 1}},
		[][]float32{{1, 0}, {0, 1}, {0, 1}, {1, 0}},
	)
	ds.TestInputs, ds.TestTargets = ds.TrainInputs, ds.TrainTargets

	net := nn.NewWithSkeleton(nn.ArchDFF, &nn.Skeleton{
		Layers: []nn.LayerSpec{
			{Size: 8, Activation: nn.ActTanh},
			{Size: 2},
		},
		OutputKind:   nn.OutputClassification,
		LearningRate: 0.5,
		Momentum:     0.9,
	})
	if err := net.Train(ds, *epochs, nil); err != nil {
		log.Fatalf("train: %v", err)
	}
	if err := net.Test(ds); err != nil {
		log.Fatalf("test: %v", err)
	}
	m := net.Metrics()
	log.Printf("xor: accuracy=%.3f mcc=%.3f", m.Accuracy, m.MCC)
}

// runLM trains a character-level decoder on a short corpus, saves the
// model with its tokenizer, and samples a continuation.
func runLM(args []string) {
	fs := flag.NewFlagSet("lm", flag.ExitOnError)
	epochs := fs.Int("epochs", 50, "training epochs")
	text := fs.String("text", strings.Repeat("the quick brown fox jumps over the lazy dog. ", 20), "training corpus")
	out := fs.String("out", ".", "model store root")
	name := fs.String("name", "tiny-lm", "model name")
	fs.Parse(args)

	tok, err := tokenizer.Train([]string{*text}, tokenizer.TrainConfig{
		VocabSize:     320,
		SpecialTokens: []string{"<eos>"},
	})
	if err != nil {
		log.Fatalf("tokenizer: %v", err)
	}
	ids := tok.Encode(*text)
	ds := nn.NewTokenDataset(ids, nil)
	net := nn.NewWithSkeleton(nn.ArchTransformerDecoder, &nn.Skeleton{
		LearningRate: 0.001,
		OutputKind:   nn.OutputClassification,
		Transformer: nn.TransformerSpec{
			DModel:        64,
			NHeads:        4,
			NLayers:       2,
			DFF:           128,
			MaxSeqLen:     64,
			PosEnc:        nn.PosEncRoPE,
			Norm:          nn.NormRMS,
			FFN:           nn.FFNSwiGLU,
			TokenLM:       true,
			VocabSize:     tok.VocabSize(),
			TieEmbeddings: true,
			PadTokenID:    -1,
		},
	})
	cfg := nn.DefaultTrainingConfig()
	cfg.Optimizer = nn.OptAdamW
	cfg.MinibatchSize = 8
	if err := net.SetTrainingConfig(cfg); err != nil {
		log.Fatalf("config: %v", err)
	}
	net.SetLogger(log.New(os.Stderr, "train ", 0))

	if err := net.Train(ds, *epochs, nil); err != nil {
		log.Fatalf("train: %v", err)
	}
	m := net.Metrics()
	log.Printf("lm: perplexity=%.2f accuracy=%.3f", m.Perplexity, m.Accuracy)

	man, voc, err := tok.Artifacts()
	if err != nil {
		log.Fatalf("tokenizer artifacts: %v", err)
	}
	if err := net.SetTokenizerArtifacts(&nn.TokenizerArtifacts{Manifest: man, Vocab: voc}); err != nil {
		log.Fatalf("attach tokenizer: %v", err)
	}
	if err := net.SaveModel(*out, *name); err != nil {
		log.Fatalf("save: %v", err)
	}
	log.Printf("saved model %q under %s/models", *name, *out)
}

// runGenerate loads a saved model and decodes a continuation.
func runGenerate(args []string) {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	root := fs.String("root", ".", "model store root")
	name := fs.String("name", "tiny-lm", "model name")
	prompt := fs.String("prompt", "the quick", "prompt text")
	maxNew := fs.Int("max-new", 32, "tokens to generate")
	temp := fs.Float64("temp", 0.8, "sampling temperature; 0 is greedy")
	fs.Parse(args)

	net, err := nn.LoadModel(*root, *name)
	if err != nil {
		log.Fatalf("load: %v", err)
	}
	art := net.TokenizerArtifacts()
	if art == nil {
		log.Fatal("model has no tokenizer attached")
	}
	tok, err := tokenizer.FromArtifacts(art.Manifest, art.Vocab)
	if err != nil {
		log.Fatalf("tokenizer: %v", err)
	}

	ids := tok.Encode(*prompt)
	out, err := net.Generate(ids, nn.GenerateConfig{
		MaxNewTokens: *maxNew,
		EOSTokenID:   -1,
		Sampler:      nn.SamplerConfig{Temperature: float32(*temp), TopK: 40},
	}, nil)
	if err != nil {
		log.Fatalf("generate: %v", err)
	}
	fmt.Println(*prompt + tok.Decode(out, true))
}
