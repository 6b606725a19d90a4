package services

import (
	"context"
	"errors"
	"testing"

	"github.com/BradenHooton/authguard/internal/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSESClient struct {
	input *ses.SendEmailInput
	err   error
}

func (m *mockSESClient) SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	m.input = params
	if m.err != nil {
		return nil, m.err
	}
	return &ses.SendEmailOutput{MessageId: aws.String("msg-1")}, nil
}

func criticalEntry() *models.AuditLogEntry {
	uid := "admin-1"
	return &models.AuditLogEntry{
		ID:           "audit-1",
		Timestamp:    testStart,
		UserID:       &uid,
		Action:       models.AuditAction2FAEmergencyDisabled,
		ResourceType: models.AuditResourceTypeTwoFactor,
		ResourceID:   "u1",
		Severity:     models.SeverityCritical,
		Details:      models.AuditMetadata{"reason": "lost phone"},
	}
}

func TestSESAlertNotifier_NotifyCritical(t *testing.T) {
	client := &mockSESClient{}
	n := NewSESAlertNotifierWithClient(client, "alerts@example.com", []string{"sec@example.com"}, testLogger())

	require.NoError(t, n.NotifyCritical(context.Background(), criticalEntry()))
	require.NotNil(t, client.input)
	assert.Equal(t, "alerts@example.com", aws.ToString(client.input.Source))
	assert.Equal(t, []string{"sec@example.com"}, client.input.Destination.ToAddresses)
	assert.Equal(t, "[authguard] CRITICAL: 2FA_EMERGENCY_DISABLED", aws.ToString(client.input.Message.Subject.Data))

	body := aws.ToString(client.input.Message.Body.Text.Data)
	assert.Contains(t, body, "audit-1")
	assert.Contains(t, body, "two_factor u1")
	assert.Contains(t, body, "lost phone")
}

func TestSESAlertNotifier_NoRecipients(t *testing.T) {
	client := &mockSESClient{}
	n := NewSESAlertNotifierWithClient(client, "alerts@example.com", nil, testLogger())

	require.NoError(t, n.NotifyCritical(context.Background(), criticalEntry()))
	assert.Nil(t, client.input)
}

func TestSESAlertNotifier_SendError(t *testing.T) {
	client := &mockSESClient{err: errors.New("throttled")}
	n := NewSESAlertNotifierWithClient(client, "alerts@example.com", []string{"sec@example.com"}, testLogger())

	err := n.NotifyCritical(context.Background(), criticalEntry())
	assert.ErrorContains(t, err, "throttled")
}
