package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"

	"github.com/BradenHooton/leasegate/internal/models"
	pkglogger "github.com/BradenHooton/leasegate/pkg/logger"
)

// SESAPI is the slice of the SES client the email service uses
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// AWSSESEmailService delivers one-time codes and alert notices by email
type AWSSESEmailService struct {
	sesClient   SESAPI
	fromAddress string
	logger      *slog.Logger
}

func NewAWSSESEmailService(ctx context.Context, region, fromAddress string, logger *slog.Logger) (*AWSSESEmailService, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewSESEmailServiceWithClient(ses.NewFromConfig(cfg), fromAddress, logger), nil
}

func NewSESEmailServiceWithClient(client SESAPI, fromAddress string, logger *slog.Logger) *AWSSESEmailService {
	return &AWSSESEmailService{sesClient: client, fromAddress: fromAddress, logger: logger}
}

var codeSubjects = map[models.CodePurpose]string{
	models.CodePurposeLogin:         "Your sign-in code",
	models.CodePurposePasswordReset: "Your password reset code",
	models.CodePurposeEnableMFA:     "Confirm two-step verification",
}

func (s *AWSSESEmailService) SendCode(ctx context.Context, account *models.Account, purpose models.CodePurpose, code string, expiresAt time.Time) error {
	minutes := int(time.Until(expiresAt).Round(time.Minute).Minutes())
	if minutes < 1 {
		minutes = 1
	}

	text := fmt.Sprintf(`Your verification code is: %s

It expires in %d minutes and can be used once.

If you did not request this code, someone may know your password. Change it now.
`, code, minutes)

	html := fmt.Sprintf(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; color: #333;">
    <p>Your verification code is:</p>
    <p style="font-size: 28px; letter-spacing: 6px;"><strong>%s</strong></p>
    <p>It expires in %d minutes and can be used once.</p>
    <p>If you did not request this code, someone may know your password. Change it now.</p>
</body>
</html>
`, code, minutes)

	return s.send(ctx, account.Email, codeSubjects[purpose], html, text)
}

var alertSubjects = map[models.AlertKind]string{
	models.AlertLockoutEntered:  "Your account was temporarily locked",
	models.AlertNewDevice:       "New sign-in to your account",
	models.AlertFailureBurst:    "Repeated failed sign-in attempts",
	models.AlertHighRiskLogin:   "Unusual sign-in to your account",
	models.AlertCodeExhausted:   "Too many wrong verification codes",
	models.AlertPasswordChanged: "Your password was changed",
	models.AlertMFAEnabled:      "Two-step verification turned on",
	models.AlertMFADisabled:     "Two-step verification turned off",
}

func (s *AWSSESEmailService) NotifyAlert(ctx context.Context, account *models.Account, alert *models.SecurityAlert) error {
	subject := alertSubjects[alert.Kind]
	if subject == "" {
		subject = "Security notice"
	}

	keys := make([]string, 0, len(alert.Metadata))
	for k := range alert.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var details strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&details, "%s: %s\n", k, alert.Metadata[k])
	}

	text := fmt.Sprintf(`%s

Time: %s
%s
If this was not you, reset your password and review your recent activity.
`, subject, alert.CreatedAt.UTC().Format(time.RFC1123), details.String())

	html := fmt.Sprintf(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; color: #333;">
    <h2>%s</h2>
    <pre>Time: %s
%s</pre>
    <p>If this was not you, reset your password and review your recent activity.</p>
</body>
</html>
`, subject, alert.CreatedAt.UTC().Format(time.RFC1123), details.String())

	return s.send(ctx, account.Email, subject, html, text)
}

func (s *AWSSESEmailService) send(ctx context.Context, to, subject, htmlBody, textBody string) error {
	input := &ses.SendEmailInput{
		Source: aws.String(s.fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(subject)},
			Body: &types.Body{
				Html: &types.Content{Data: aws.String(htmlBody)},
				Text: &types.Content{Data: aws.String(textBody)},
			},
		},
	}

	result, err := s.sesClient.SendEmail(ctx, input)
	if err != nil {
		s.logger.Error("failed to send email via SES",
			slog.String("email", pkglogger.SanitizedEmail(to)),
			slog.Any("error", err))
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Info("email sent",
		slog.String("email", pkglogger.SanitizedEmail(to)),
		slog.String("message_id", aws.ToString(result.MessageId)))
	return nil
}
