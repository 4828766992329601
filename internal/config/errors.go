package config

import "fmt"

// Error reports a missing or invalid setting. It is raised before any
// network call is attempted.
type Error struct {
	Field string
	Msg   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("configuration: %s %s", e.Field, e.Msg)
}

// RequireFeeds checks that at least one feed is configured.
func (c *Config) RequireFeeds() error {
	if len(c.Feeds) == 0 {
		return &Error{Field: "feeds", Msg: "must list at least one feed"}
	}
	return nil
}

// RequireLLM checks the text-generation credentials.
func (c *Config) RequireLLM() error {
	if c.APIKey() == "" {
		return &Error{Field: "llm.api_key_env", Msg: fmt.Sprintf("environment variable %s is not set", c.LLM.APIKeyEnv)}
	}
	return nil
}

// RequireSMTP checks the outgoing mail settings.
func (c *Config) RequireSMTP() error {
	switch {
	case c.SMTP.Host == "":
		return &Error{Field: "smtp.host", Msg: "is required"}
	case c.SMTP.Port <= 0:
		return &Error{Field: "smtp.port", Msg: "must be positive"}
	case c.SMTP.Username == "":
		return &Error{Field: "smtp.username", Msg: "is required"}
	case c.SMTPPassword() == "":
		return &Error{Field: "smtp.password_env", Msg: fmt.Sprintf("environment variable %s is not set", c.SMTP.PasswordEnv)}
	case len(c.SMTP.To) == 0:
		return &Error{Field: "smtp.to", Msg: "must list at least one recipient"}
	}
	return nil
}

// RequireIMAP checks the mailbox settings used by review polling.
func (c *Config) RequireIMAP() error {
	switch {
	case c.IMAP.Host == "":
		return &Error{Field: "imap.host", Msg: "is required"}
	case c.IMAP.Port <= 0:
		return &Error{Field: "imap.port", Msg: "must be positive"}
	case c.IMAP.Username == "":
		return &Error{Field: "imap.username", Msg: "is required"}
	case c.IMAPPassword() == "":
		return &Error{Field: "imap.password_env", Msg: fmt.Sprintf("environment variable %s is not set", c.IMAP.PasswordEnv)}
	}
	return nil
}

// Sender returns the From address, falling back to the SMTP username.
func (c *Config) Sender() string {
	if c.SMTP.From != "" {
		return c.SMTP.From
	}
	return c.SMTP.Username
}
