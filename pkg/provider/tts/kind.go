package tts

import (
	"fmt"
	"strings"
)

// Kind identifies one of the supported TTS backends.
type Kind string

const (
	// KindMiniMax is the hosted MiniMax T2A v2 API (HTTPS + SSE).
	KindMiniMax Kind = "minimax"

	// KindCosyVoice is a self-hosted CosyVoice2 gateway.
	KindCosyVoice Kind = "cosyvoice2-ex"

	// KindDashScope is Alibaba DashScope CosyVoice over WebSocket.
	KindDashScope Kind = "dashscope"
)

// Kinds lists every supported backend.
var Kinds = []Kind{KindMiniMax, KindCosyVoice, KindDashScope}

// ParseKind maps a provider name to its Kind. Unknown names fail with
// [ErrInvalidProvider].
func ParseKind(name string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q (supported: minimax, cosyvoice2-ex, dashscope)", ErrInvalidProvider, name)
}

func (k Kind) String() string { return string(k) }
