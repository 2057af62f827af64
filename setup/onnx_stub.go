//go:build !onnx

package setup

import (
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/becomeliminal/nim-memory/config"
	"github.com/becomeliminal/nim-memory/memory"
)

func openONNX(config.EmbeddingConfig, *log.Logger) (memory.Embedder, func() error, error) {
	return nil, nil, fmt.Errorf("%w: onnx embedder not compiled in, rebuild with -tags onnx", memory.ErrInvalidInput)
}
