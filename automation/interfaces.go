package automation

import "context"

// Email is one outgoing message handed to the mail transport.
type Email struct {
	From     string
	FromName string
	To       []string
	Subject  string
	HTML     string
}

// Mailer delivers or queues an email. Bounce and retry handling is the
// transport's business; the engine only sees success or failure of the
// immediate call.
type Mailer interface {
	Send(ctx context.Context, email Email) error
}

// MergeData carries the per-recipient fields available to a template.
type MergeData map[string]string

// Rendered is the final subject and HTML body for one recipient.
type Rendered struct {
	Subject string
	HTML    string
}

// Renderer turns a stored template plus merge data into the final message.
// The template format is opaque to the engine.
type Renderer interface {
	Render(templateID, content, subject string, data MergeData) (Rendered, error)
}

// AudienceResolver evaluates a broadcast filter and returns the matching user
// ids. The filter expression is an opaque predicate.
type AudienceResolver interface {
	Resolve(ctx context.Context, domain, filter string) ([]string, error)
}

// ResolverFunc adapts a function to the AudienceResolver interface.
type ResolverFunc func(ctx context.Context, domain, filter string) ([]string, error)

func (f ResolverFunc) Resolve(ctx context.Context, domain, filter string) ([]string, error) {
	return f(ctx, domain, filter)
}
