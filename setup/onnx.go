//go:build onnx

package setup

import (
	"github.com/charmbracelet/log"

	"github.com/becomeliminal/nim-memory/config"
	"github.com/becomeliminal/nim-memory/memory"
	"github.com/becomeliminal/nim-memory/memory/embedder/onnx"
)

func openONNX(ec config.EmbeddingConfig, logger *log.Logger) (memory.Embedder, func() error, error) {
	e, err := onnx.New(onnx.Config{
		ModelPath:         ec.ONNX.ModelPath,
		TokenizerPath:     ec.ONNX.TokenizerPath,
		SharedLibraryPath: ec.ONNX.LibraryPath,
		Dimensions:        ec.Dimensions,
		MaxChars:          ec.MaxChars,
		SequenceLength:    ec.ONNX.SequenceLength,
		Logger:            logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return e, e.Close, nil
}
