package handler

import (
	"net/http"
	"time"

	"github.com/t77yq/activity-orchestrator/internal/processor"
)

// Builtins holds the dependencies of the built-in processors. Nil
// dependencies disable the processors that need them.
type Builtins struct {
	Webhook      *Webhook
	Store        SettledStore
	Docker       DockerClient
	FailureTypes []string
	HTTPClient   *http.Client
	Now          func() time.Time
}

// Processors returns the built-in processors that can be constructed with
// the available dependencies
func (b Builtins) Processors() []processor.Processor {
	if b.Webhook == nil {
		b.Webhook = NewWebhook(WebhookConfig{}, b.HTTPClient)
	}
	processors := []processor.Processor{
		NewShellCommandHandler(),
		NewHTTPRequestHandler(b.HTTPClient),
		NewNotificationHandler(b.Webhook),
	}

	failureTypes := b.FailureTypes
	if len(failureTypes) == 0 {
		failureTypes = []string{ActivityFailureType}
	}
	for _, t := range failureTypes {
		processors = append(processors, NewFailureHandler(t, b.Webhook))
	}

	if b.Store != nil {
		processors = append(processors, NewArchiveHandler(b.Store, b.Now))
	}
	if b.Docker != nil {
		processors = append(processors, NewContainerHandler(b.Docker))
	}
	return processors
}
