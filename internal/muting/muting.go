package muting

import (
	"strings"

	"go.uber.org/zap"
)

// Checker decides whether opens by a recipient should stay silent
type Checker struct {
	domains []string
	logger  *zap.Logger
}

// NewChecker creates a new checker for the given recipient domains
func NewChecker(domains []string, logger *zap.Logger) *Checker {
	normalized := make([]string, 0, len(domains))
	for _, domain := range domains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain != "" {
			normalized = append(normalized, domain)
		}
	}

	if len(normalized) > 0 && logger != nil {
		logger.Info("Initialized muted recipient domains", zap.Strings("domains", normalized))
	}

	return &Checker{
		domains: normalized,
		logger:  logger,
	}
}

// IsMuted checks if the recipient's domain is muted
func (c *Checker) IsMuted(recipient string) bool {
	if c == nil || len(c.domains) == 0 {
		return false
	}

	// Recipients may arrive as "Name <addr@domain>"
	if i := strings.LastIndex(recipient, "<"); i >= 0 {
		recipient = strings.TrimSuffix(recipient[i+1:], ">")
	}

	parts := strings.Split(strings.TrimSpace(recipient), "@")
	if len(parts) != 2 {
		return false
	}
	domain := strings.ToLower(parts[1])

	for _, muted := range c.domains {
		if muted == domain {
			if c.logger != nil {
				c.logger.Debug("Recipient domain is muted",
					zap.String("domain", domain),
					zap.String("recipient", recipient))
			}
			return true
		}
	}

	return false
}
