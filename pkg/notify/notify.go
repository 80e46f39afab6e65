// Package notify renders subscription notifications as Spanish emails and
// hands them to a Sender.
package notify

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"strconv"
	"time"

	"github.com/practpec/voyaj-api/pkg/subscription"
)

//go:embed templates/*.html
var templateFS embed.FS

var (
	// ErrUnknownTemplate is returned for a template with no subject or body
	ErrUnknownTemplate = errors.New("unknown notification template")

	// ErrNoRecipient is returned when the user has no email address
	ErrNoRecipient = errors.New("user has no email address")

	// ErrFailedToSend wraps Sender failures
	ErrFailedToSend = errors.New("failed to send notification")
)

// Message is one outbound email
type Message struct {
	To       string
	Subject  string
	HTMLBody string
	Tag      string
}

// Sender delivers a rendered message
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

var subjects = map[string]string{
	subscription.TemplateWelcomeFree:         "¡Bienvenido a Voyaj! Tu plan Explorador está listo",
	subscription.TemplateWelcomePremium:      "¡Bienvenido a Voyaj Premium! Tu período de prueba ha comenzado",
	subscription.TemplatePaymentSuccessful:   "¡Pago confirmado! Tu suscripción Voyaj está activa",
	subscription.TemplatePaymentFailed:       "Problema con tu pago - Actualiza tu método de pago",
	subscription.TemplateSubscriptionRenewed: "Tu suscripción Voyaj se ha renovado exitosamente",
	subscription.TemplateUpgradeConfirmation: "¡Upgrade confirmado! Disfruta tu nuevo plan Voyaj",
	subscription.TemplateDowngradeWarning:    "Cambio de plan programado - Voyaj",
	subscription.TemplateCancellation:        "Suscripción cancelada - Gracias por usar Voyaj",
	subscription.TemplateLimitReached:        "Límite alcanzado - Actualiza tu plan Voyaj",
	subscription.TemplateTrialEnding:         "Tu período de prueba Voyaj termina pronto",
	subscription.TemplateSubscriptionExpired: "Tu suscripción Voyaj ha expirado",
	subscription.TemplateReactivated:         "Tu suscripción Voyaj está activa de nuevo",
}

// Subject returns the subject line for template.
func Subject(tmpl string, data map[string]interface{}) (string, error) {
	subject, ok := subjects[tmpl]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTemplate, tmpl)
	}
	if tmpl == subscription.TemplateTrialEnding {
		if days, ok := data["days_remaining"].(int); ok && days > 0 {
			subject = "Tu período de prueba Voyaj termina en " + strconv.Itoa(days) + " días"
		}
	}
	return subject, nil
}

// Renderer turns a template name plus data into an HTML body
type Renderer struct {
	tmpl *template.Template
}

// NewRenderer parses the embedded email templates.
func NewRenderer() (*Renderer, error) {
	tmpl, err := template.New("emails").Funcs(template.FuncMap{"date": formatDate}).
		ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse email templates: %w", err)
	}
	return &Renderer{tmpl: tmpl}, nil
}

// View is the data every template sees
type View struct {
	Subject  string
	UserName string
	PlanName string
	Data     map[string]interface{}
	Body     template.HTML
}

// Render executes the named body inside the shared layout.
func (r *Renderer) Render(name string, view View) (string, error) {
	if r.tmpl.Lookup(name) == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}
	var body bytes.Buffer
	if err := r.tmpl.ExecuteTemplate(&body, name, view); err != nil {
		return "", fmt.Errorf("failed to render %s: %w", name, err)
	}
	view.Body = template.HTML(body.String()) //nolint:gosec // rendered by html/template above

	var page bytes.Buffer
	if err := r.tmpl.ExecuteTemplate(&page, "layout", view); err != nil {
		return "", fmt.Errorf("failed to render layout: %w", err)
	}
	return page.String(), nil
}

// formatDate prints an RFC3339 timestamp as dd/mm/yyyy
func formatDate(v interface{}) string {
	switch t := v.(type) {
	case time.Time:
		return t.Format("02/01/2006")
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return t
		}
		return parsed.Format("02/01/2006")
	default:
		return fmt.Sprint(v)
	}
}

// Config wires a Notifier
type Config struct {
	// Users resolves recipients (required)
	Users subscription.UserDirectory

	// Sender delivers messages (required)
	Sender Sender

	// Catalog resolves plan display names (default: DefaultCatalog())
	Catalog *subscription.Catalog

	// Logger is optional; NoopLogger when nil
	Logger subscription.Logger
}

// Notifier implements subscription.Notifier over email
type Notifier struct {
	users    subscription.UserDirectory
	sender   Sender
	catalog  *subscription.Catalog
	renderer *Renderer
	logger   subscription.Logger
}

// New creates an email Notifier.
func New(config Config) (*Notifier, error) {
	if config.Users == nil {
		return nil, errors.New("users directory is required")
	}
	if config.Sender == nil {
		return nil, errors.New("sender is required")
	}
	if config.Catalog == nil {
		config.Catalog = subscription.DefaultCatalog()
	}
	if config.Logger == nil {
		config.Logger = &subscription.NoopLogger{}
	}
	renderer, err := NewRenderer()
	if err != nil {
		return nil, err
	}
	return &Notifier{
		users:    config.Users,
		sender:   config.Sender,
		catalog:  config.Catalog,
		renderer: renderer,
		logger:   config.Logger,
	}, nil
}

// Send renders template for the user and delivers it.
func (n *Notifier) Send(ctx context.Context, tmpl, recipientUserID string, data map[string]interface{}) error {
	subject, err := Subject(tmpl, data)
	if err != nil {
		return err
	}
	profile, err := n.users.Lookup(ctx, recipientUserID)
	if err != nil {
		return fmt.Errorf("failed to look up recipient: %w", err)
	}
	if profile.Email == "" {
		return fmt.Errorf("%w: %s", ErrNoRecipient, recipientUserID)
	}

	view := View{Subject: subject, UserName: profile.Name, Data: data}
	if view.UserName == "" {
		view.UserName = "Viajero"
	}
	if plan, ok := data["plan_type"].(string); ok {
		if info, err := n.catalog.Info(subscription.PlanType(plan)); err == nil {
			view.PlanName = info.Name
		}
	}
	if view.PlanName == "" {
		view.PlanName = "Premium"
	}

	body, err := n.renderer.Render(tmpl, view)
	if err != nil {
		return err
	}
	if err := n.sender.Send(ctx, Message{To: profile.Email, Subject: subject, HTMLBody: body, Tag: tmpl}); err != nil {
		return errors.Join(ErrFailedToSend, err)
	}
	n.logger.Debug("notification sent", subscription.F("template", tmpl), subscription.F("user_id", recipientUserID))
	return nil
}

// LogSender writes messages to the logger instead of sending them.
// Used when no email provider is configured.
type LogSender struct {
	Logger subscription.Logger
}

// Send logs the message envelope.
func (s LogSender) Send(_ context.Context, msg Message) error {
	if s.Logger != nil {
		s.Logger.Info("email not sent, no provider configured",
			subscription.F("to", msg.To), subscription.F("subject", msg.Subject), subscription.F("tag", msg.Tag))
	}
	return nil
}
