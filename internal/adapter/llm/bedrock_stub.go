//go:build !bedrock

package llm

import (
	"fmt"
	"log/slog"

	"agentgate/internal/domain"
	"agentgate/internal/infra/config"
)

func newBedrockProvider(cfg config.ProviderConfig, _ *slog.Logger) (domain.LLMProvider, error) {
	return nil, fmt.Errorf("provider %q: bedrock support not compiled in (build with -tags bedrock)", cfg.Name)
}
