package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BradenHooton/authguard/internal/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
)

// SESClient is the subset of the SES API used for alerts
type SESClient interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESAlertNotifier e-mails CRITICAL audit entries to the security admins using AWS SES
type SESAlertNotifier struct {
	client      SESClient
	fromAddress string
	recipients  []string
	logger      *slog.Logger
}

// NewSESAlertNotifier creates a notifier using the default AWS credential chain
func NewSESAlertNotifier(ctx context.Context, region, fromAddress string, recipients []string, logger *slog.Logger) (*SESAlertNotifier, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewSESAlertNotifierWithClient(ses.NewFromConfig(cfg), fromAddress, recipients, logger), nil
}

// NewSESAlertNotifierWithClient creates a notifier around an existing client
func NewSESAlertNotifierWithClient(client SESClient, fromAddress string, recipients []string, logger *slog.Logger) *SESAlertNotifier {
	return &SESAlertNotifier{
		client:      client,
		fromAddress: fromAddress,
		recipients:  recipients,
		logger:      logger,
	}
}

// NotifyCritical sends one alert e-mail per entry
func (n *SESAlertNotifier) NotifyCritical(ctx context.Context, entry *models.AuditLogEntry) error {
	if len(n.recipients) == 0 {
		return nil
	}

	subject := fmt.Sprintf("[authguard] CRITICAL: %s", entry.Action)
	body := alertBody(entry)

	input := &ses.SendEmailInput{
		Source: aws.String(n.fromAddress),
		Destination: &types.Destination{
			ToAddresses: n.recipients,
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data: aws.String(subject),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data: aws.String(body),
				},
			},
		},
	}

	result, err := n.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to send alert email: %w", err)
	}

	n.logger.Info("critical audit alert sent",
		slog.String("audit_id", entry.ID),
		slog.String("action", entry.Action),
		slog.String("message_id", aws.ToString(result.MessageId)))

	return nil
}

// LogAlertNotifier only logs CRITICAL entries, for development and tests
type LogAlertNotifier struct {
	logger *slog.Logger
}

func NewLogAlertNotifier(logger *slog.Logger) *LogAlertNotifier {
	return &LogAlertNotifier{logger: logger}
}

func (n *LogAlertNotifier) NotifyCritical(ctx context.Context, entry *models.AuditLogEntry) error {
	n.logger.WarnContext(ctx, "critical audit alert",
		slog.String("audit_id", entry.ID),
		slog.String("action", entry.Action),
		slog.String("resource_type", entry.ResourceType))
	return nil
}

func alertBody(entry *models.AuditLogEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A CRITICAL security event was recorded.\n\n")
	fmt.Fprintf(&b, "Action:    %s\n", entry.Action)
	fmt.Fprintf(&b, "Time:      %s\n", entry.Timestamp.UTC().Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&b, "Audit ID:  %s\n", entry.ID)
	if entry.UserID != nil {
		fmt.Fprintf(&b, "User:      %s\n", *entry.UserID)
	}
	if entry.ResourceType != "" {
		fmt.Fprintf(&b, "Resource:  %s %s\n", entry.ResourceType, entry.ResourceID)
	}
	if entry.IPAddress != "" {
		fmt.Fprintf(&b, "IP:        %s\n", entry.IPAddress)
	}
	if len(entry.Details) > 0 {
		details, err := json.MarshalIndent(entry.Details, "", "  ")
		if err == nil {
			fmt.Fprintf(&b, "\nDetails:\n%s\n", details)
		}
	}
	b.WriteString("\nThis is an automated message. Please do not reply to this email.\n")
	return b.String()
}
