package events

import (
	"context"
	"os"

	"github.com/devigned/tab"
)

const (
	// Version is the semantic version number
	Version = "0.3.0"

	componentName = "github.com/Azure/health-events-go"
)

func (b *BatchingService) startSpanFromContext(ctx context.Context, operationName string) (tab.Spanner, context.Context) {
	ctx, span := tab.StartSpan(ctx, operationName)
	ApplyComponentInfo(span)
	return span, ctx
}

func (s *ConsumerService) startSpanFromContext(ctx context.Context, operationName string) (tab.Spanner, context.Context) {
	ctx, span := tab.StartSpan(ctx, operationName)
	ApplyComponentInfo(span)
	return span, ctx
}

// ApplyComponentInfo applies library and network info to the span
func ApplyComponentInfo(span tab.Spanner) {
	span.AddAttributes(
		tab.StringAttribute("component", componentName),
		tab.StringAttribute("version", Version),
	)
	applyNetworkInfo(span)
}

func applyNetworkInfo(span tab.Spanner) {
	hostname, err := os.Hostname()
	if err == nil {
		span.AddAttributes(tab.StringAttribute("peer.hostname", hostname))
	}
}
