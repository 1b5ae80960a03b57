// internal/service/policy.go
package service

import (
	"fmt"
	"strings"

	"github.com/unclebandit/mailrelay-backend/internal/model"
	"github.com/unclebandit/mailrelay-backend/internal/spamd"
)

const blockedRecipientError = "Delivery to this recipient was blocked because their email address is " +
	"on our blocklist after repeated delivery failures. To protect your sender reputation, this " +
	"email was not sent to the blocked recipient."

const allRecipientsBlockedError = "Delivery of this email was blocked because all recipients are on " +
	"our blocklist after repeated delivery failures. Please review the recipient list or contact " +
	"support for assistance."

const spamBlockedError = "This email has been blocked because our system flagged it as spam. The " +
	"spam score exceeded the permitted threshold. Review your email content, remove any suspicious " +
	"links or attachments, and try sending it again."

func invalidDKIMError(domainName string) string {
	return fmt.Sprintf("The DKIM signature for this email is invalid. If you recently added the "+
		"domain %s or updated its DKIM keys, please allow 10-15 minutes for the changes to "+
		"propagate in the DNS before retrying.", domainName)
}

// Decision is the policy gate's verdict for one message. The gate is pure:
// every blocking decision carries the user-facing explanation that justifies
// it, and nothing outside the inputs influences the outcome.
type Decision struct {
	Status            string
	ErrorMessage      string
	BlockedRecipients map[string]struct{}
	SpamScore         float64
	SpamCheckResponse string
	IsSpam            bool
}

// PolicyConfig is the configured blocking behavior.
type PolicyConfig struct {
	SpamThreshold    float64
	BlockSpam        bool
	BlockInvalidDKIM bool
}

// EvaluateBlocklist applies the first gate stage: recipients inside their
// block window are marked, and a message whose recipients are all blocked is
// blocked outright.
func EvaluateBlocklist(msg *model.OutboundMessage, isBlocked func(email string) bool) Decision {
	d := Decision{
		Status:            model.StatusAccepted,
		BlockedRecipients: make(map[string]struct{}),
	}

	blocked := 0
	for _, r := range msg.Recipients {
		if r.Status == model.RecipientBlocked {
			blocked++
			continue
		}
		if isBlocked(r.Email) {
			d.BlockedRecipients[r.Email] = struct{}{}
			blocked++
		}
	}

	if blocked == len(msg.Recipients) {
		d.Status = model.StatusBlocked
		d.ErrorMessage = allRecipientsBlockedError
	}
	return d
}

// ApplySpamVerdict applies the later gate stages to an already-accepted
// decision: an invalid authentication signature blocks first, then the spam
// score. The scan result is recorded either way.
func ApplySpamVerdict(d *Decision, res *spamd.Result, cfg PolicyConfig, domainName string) {
	d.SpamScore = res.SpamScore
	d.SpamCheckResponse = res.SpamdResponse
	d.IsSpam = res.SpamScore > cfg.SpamThreshold

	if cfg.BlockInvalidDKIM && strings.Contains(res.SpamdResponse, spamd.DKIMInvalidMarker) {
		d.Status = model.StatusBlocked
		d.ErrorMessage = invalidDKIMError(domainName)
		return
	}
	if cfg.BlockSpam && d.IsSpam {
		d.Status = model.StatusBlocked
		d.ErrorMessage = spamBlockedError
	}
}
