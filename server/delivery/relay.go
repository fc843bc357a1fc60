// Package delivery hands held messages to the outbound SMTP relay and
// records a SentMessage audit row per recipient.
package delivery

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/TK-IT/mailhole/config"
	"github.com/TK-IT/mailhole/logger"
	"github.com/TK-IT/mailhole/pkg/circuitbreaker"
	"github.com/TK-IT/mailhole/pkg/metrics"
)

// RelayError wraps an error with information about whether it's permanent or
// temporary. Permanent errors (5xx SMTP codes) should not be retried;
// temporary errors (4xx SMTP codes, network errors) can be.
type RelayError struct {
	Err       error
	Permanent bool
}

func (e *RelayError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent failure: %v", e.Err)
	}
	return fmt.Sprintf("temporary failure: %v", e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// IsPermanentError reports whether err is a permanent failure (5xx SMTP
// error). Network and connection errors are treated as temporary.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}

	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Permanent
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return !smtpErr.Temporary()
	}

	return false
}

// RelayHandler is the contract for handing one message copy to the outbound
// transport.
type RelayHandler interface {
	SendToExternalRelay(from string, to string, messageBytes []byte) error
}

// SMTPRelayHandler implements SMTP relay with configurable TLS, optional
// SASL PLAIN authentication and a circuit breaker.
type SMTPRelayHandler struct {
	SMTPHost       string
	UseTLS         bool
	TLSVerify      bool
	UseStartTLS    bool
	Username       string
	Password       string
	CircuitBreaker *circuitbreaker.Breaker
}

// NewSMTPRelayHandler builds a relay handler from configuration.
func NewSMTPRelayHandler(cfg *config.RelayConfig) *SMTPRelayHandler {
	cb := circuitbreaker.New(circuitbreaker.Settings{
		Name:    "smtp_relay",
		Timeout: 30 * time.Second,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			logger.Warn("SMTP Relay: circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})

	return &SMTPRelayHandler{
		SMTPHost:       cfg.Host,
		UseTLS:         cfg.UseTLS,
		TLSVerify:      cfg.TLSVerify,
		UseStartTLS:    cfg.UseStartTLS,
		Username:       cfg.Username,
		Password:       cfg.Password,
		CircuitBreaker: cb,
	}
}

// SendToExternalRelay sends a message copy to the external SMTP relay with
// circuit breaker protection.
func (r *SMTPRelayHandler) SendToExternalRelay(from string, to string, messageBytes []byte) error {
	if r.SMTPHost == "" {
		return fmt.Errorf("SMTP relay host not configured")
	}

	start := time.Now()
	defer func() {
		metrics.RelayDeliveryDuration.Observe(time.Since(start).Seconds())
	}()

	if r.CircuitBreaker != nil {
		err := r.CircuitBreaker.Execute(func() error {
			return r.sendToSMTPRelay(from, to, messageBytes)
		})
		if errors.Is(err, circuitbreaker.ErrOpen) {
			logger.Warn("SMTP Relay: circuit breaker is OPEN, skipping delivery", "host", r.SMTPHost)
			metrics.RelayDeliveriesTotal.WithLabelValues("circuit_breaker_open").Inc()
			return fmt.Errorf("SMTP relay circuit breaker is open: %w", err)
		}
		return err
	}

	return r.sendToSMTPRelay(from, to, messageBytes)
}

func (r *SMTPRelayHandler) sendToSMTPRelay(from string, to string, messageBytes []byte) error {
	var c *smtp.Client
	var err error

	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		Renegotiation:      tls.RenegotiateNever,
		InsecureSkipVerify: !r.TLSVerify,
	}

	if !r.UseTLS {
		c, err = smtp.Dial(r.SMTPHost)
		if err != nil {
			metrics.RelayDeliveriesTotal.WithLabelValues("failure").Inc()
			return &RelayError{Err: fmt.Errorf("failed to connect to SMTP relay: %w", err), Permanent: false}
		}
	} else if r.UseStartTLS {
		c, err = smtp.DialStartTLS(r.SMTPHost, tlsConfig)
		if err != nil {
			metrics.RelayDeliveriesTotal.WithLabelValues("failure").Inc()
			return &RelayError{Err: fmt.Errorf("failed to connect to SMTP relay with STARTTLS: %w", err), Permanent: false}
		}
	} else {
		c, err = smtp.DialTLS(r.SMTPHost, tlsConfig)
		if err != nil {
			metrics.RelayDeliveriesTotal.WithLabelValues("failure").Inc()
			return &RelayError{Err: fmt.Errorf("failed to connect to SMTP relay with TLS: %w", err), Permanent: false}
		}
	}
	defer c.Close()

	var relayErr error
	defer func() {
		if relayErr != nil {
			metrics.RelayDeliveriesTotal.WithLabelValues("failure").Inc()
		}
	}()

	if r.Username != "" {
		auth := sasl.NewPlainClient("", r.Username, r.Password)
		if relayErr = c.Auth(auth); relayErr != nil {
			// Bad credentials will not fix themselves
			return &RelayError{Err: fmt.Errorf("failed to authenticate: %w", relayErr), Permanent: true}
		}
	}

	if relayErr = c.Mail(from, nil); relayErr != nil {
		return &RelayError{Err: fmt.Errorf("failed to set sender: %w", relayErr), Permanent: IsPermanentError(relayErr)}
	}
	if relayErr = c.Rcpt(to, nil); relayErr != nil {
		return &RelayError{Err: fmt.Errorf("failed to set recipient: %w", relayErr), Permanent: IsPermanentError(relayErr)}
	}

	wc, relayErr := c.Data()
	if relayErr != nil {
		return &RelayError{Err: fmt.Errorf("failed to start data: %w", relayErr), Permanent: IsPermanentError(relayErr)}
	}
	if _, relayErr = wc.Write(messageBytes); relayErr != nil {
		_ = wc.Close()
		return &RelayError{Err: fmt.Errorf("failed to write message: %w", relayErr), Permanent: false}
	}
	if relayErr = wc.Close(); relayErr != nil {
		return &RelayError{Err: fmt.Errorf("failed to close data writer: %w", relayErr), Permanent: IsPermanentError(relayErr)}
	}

	if relayErr = c.Quit(); relayErr != nil {
		// The message is already accepted at this point
		logger.Warn("SMTP Relay: failed to send QUIT", "error", relayErr)
		relayErr = nil
	}

	metrics.RelayDeliveriesTotal.WithLabelValues("success").Inc()
	return nil
}
