// Package app wires configuration, credentials, stores, the mailbox and
// the model client into a ready pipeline.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nhle/inbox-triage/internal/classify"
	"github.com/nhle/inbox-triage/internal/continuation"
	"github.com/nhle/inbox-triage/internal/credential"
	"github.com/nhle/inbox-triage/internal/labels"
	"github.com/nhle/inbox-triage/internal/llm"
	"github.com/nhle/inbox-triage/internal/mailbox"
	"github.com/nhle/inbox-triage/internal/mailbox/imapmail"
	"github.com/nhle/inbox-triage/internal/model"
	"github.com/nhle/inbox-triage/internal/pipeline"
	"github.com/nhle/inbox-triage/internal/redact"
	"github.com/nhle/inbox-triage/internal/scan"
	"github.com/nhle/inbox-triage/internal/trigger"
)

// backoffBase is the first delay of the caller-side retry schedule.
const backoffBase = time.Second

// Options override collaborators. Zero fields use the production ones.
type Options struct {
	// Scheduler receives follow-up requests after a suspension.
	Scheduler continuation.Scheduler

	Credentials *credential.Store
	Mail        mailbox.Store
	Caller      llm.Caller
}

// App is a fully wired process.
type App struct {
	*Stores

	Config   *model.AppConfig
	Mail     mailbox.Store
	Pipeline *pipeline.Orchestrator

	closeMail func() error
}

// New builds an App from cfg.
func New(ctx context.Context, cfg *model.AppConfig, opts Options) (*App, error) {
	if opts.Credentials == nil {
		opts.Credentials = credential.New()
	}
	if opts.Scheduler == nil {
		opts.Scheduler = trigger.Deferred{}
	}

	stores, err := OpenStores(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	a := &App{Stores: stores, Config: cfg, Mail: opts.Mail}

	if a.Mail == nil {
		imap, err := newMailStore(cfg.Mail, opts.Credentials)
		if err != nil {
			stores.Close()
			return nil, err
		}
		a.Mail = imap
		a.closeMail = imap.Close
	}

	caller := opts.Caller
	if caller == nil {
		caller, err = newCaller(cfg.LLM, opts.Credentials)
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	a.Pipeline = pipeline.New(pipelineConfig(cfg), pipeline.Deps{
		Mail:       a.Mail,
		Props:      stores.Props,
		Runs:       stores.SQLite,
		Scheduler:  opts.Scheduler,
		Classifier: newClassifier(cfg, caller),
		Resolver:   newResolver(cfg.Labels, stores),
		Replier:    caller,
		Codec:      redact.NewCodec(redact.WithTTL(time.Duration(cfg.Redaction.TTLMinutes) * time.Minute)),
	})
	return a, nil
}

// Run performs one pipeline invocation.
func (a *App) Run(ctx context.Context, req pipeline.RunRequest) (pipeline.Outcome, error) {
	return a.Pipeline.Run(ctx, req)
}

// Close releases the mailbox connection and the stores.
func (a *App) Close() error {
	var errs []error
	if a.closeMail != nil {
		errs = append(errs, a.closeMail())
	}
	errs = append(errs, a.Stores.Close())
	return errors.Join(errs...)
}

// CheckMailbox logs in to the configured mailbox and returns a one-line
// report of what it found.
func CheckMailbox(ctx context.Context, cfg model.MailConfig, creds *credential.Store) (string, error) {
	if creds == nil {
		creds = credential.New()
	}
	imap, err := newMailStore(cfg, creds)
	if err != nil {
		return "", err
	}
	defer imap.Close()
	return imap.ValidateConnection(ctx)
}

func newMailStore(cfg model.MailConfig, creds *credential.Store) (*imapmail.Store, error) {
	if cfg.IMAPHost == "" || cfg.Username == "" {
		return nil, errors.New("mail.imap_host and mail.username must be configured")
	}
	password, err := creds.Get(credential.KeyIMAPPassword)
	if err != nil {
		return nil, fmt.Errorf("loading mail password (set %s or store it with `inboxtriage credentials set %s`): %w",
			credential.EnvVar(credential.KeyIMAPPassword), credential.KeyIMAPPassword, err)
	}

	smtpHost := cfg.SMTPHost
	if smtpHost == "" {
		smtpHost = cfg.IMAPHost
	}
	return imapmail.New(imapmail.Config{
		IMAPHost:      cfg.IMAPHost,
		IMAPPort:      cfg.IMAPPort,
		SMTPHost:      smtpHost,
		SMTPPort:      cfg.SMTPPort,
		Username:      cfg.Username,
		Password:      password,
		TLS:           cfg.TLS,
		Mailbox:       cfg.Mailbox,
		DraftsMailbox: cfg.DraftsMailbox,
	}), nil
}

func newCaller(cfg model.LLMConfig, creds *credential.Store) (llm.Caller, error) {
	key, err := creds.Get(credential.KeyLLMAPIKey)
	if err != nil {
		return nil, fmt.Errorf("loading model API key (set %s or store it with `inboxtriage credentials set %s`): %w",
			credential.EnvVar(credential.KeyLLMAPIKey), credential.KeyLLMAPIKey, err)
	}
	client := llm.New(llm.Config{
		Endpoint:        cfg.Endpoint,
		Model:           cfg.Model,
		APIKey:          key,
		Temperature:     cfg.Temperature,
		MaxOutputTokens: cfg.MaxOutputTokens,
		Timeout:         cfg.RequestTimeout(),
	})
	return llm.Backoff{
		Caller:     client,
		MaxRetries: uint64(max(cfg.MaxBackoffRetries, 0)),
		Base:       backoffBase,
	}, nil
}

func newClassifier(cfg *model.AppConfig, caller llm.Caller) *classify.Classifier {
	opts := []classify.Option{
		classify.WithDelay(time.Duration(cfg.Classify.BatchDelayMs) * time.Millisecond),
		classify.WithParallel(cfg.Classify.Parallel),
	}
	if len(cfg.Labels.Allowed) > 0 {
		opts = append(opts, classify.WithLabels(cfg.Labels.Allowed))
	}
	return classify.New(caller, opts...)
}

func newResolver(cfg model.LabelsConfig, stores *Stores) *labels.Resolver {
	return labels.NewResolver(stores.SQLite, stores.Props,
		labels.WithTTL(time.Duration(cfg.CacheTTLMinutes)*time.Minute),
		labels.WithAllowed(cfg.Allowed),
	)
}

func pipelineConfig(cfg *model.AppConfig) pipeline.Config {
	return pipeline.Config{
		Labels:         cfg.Labels,
		Reply:          cfg.Reply,
		ClassifyPrompt: cfg.LLM.ClassifyPrompt,
		Redact:         cfg.Redaction.Enabled,
		Scan: scan.Options{
			FullWindow:   time.Duration(cfg.Scan.FullWindowDays) * 24 * time.Hour,
			CursorMaxAge: time.Duration(cfg.Scan.CursorMaxAgeHours) * time.Hour,
			MaxItems:     cfg.Scan.MaxItems,
		},
		Continuation: ContinuationOptions(cfg.Continuation),
		ChunkSize:    classify.BatchSize * max(cfg.Classify.Parallel, 1),
	}
}

// ContinuationOptions converts the configured invocation bounds.
func ContinuationOptions(cfg model.ContinuationConfig) continuation.Options {
	return continuation.Options{
		MaxInvocation: time.Duration(cfg.MaxInvocationSec) * time.Second,
		SafetyMargin:  time.Duration(cfg.SafetyMarginSec) * time.Second,
		ResumeDelay:   time.Duration(cfg.ResumeDelaySec) * time.Second,
	}
}
