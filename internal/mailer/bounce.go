// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mailer

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// BounceType classifies a delivery failure.
type BounceType string

const (
	BounceHard    BounceType = "hard"
	BounceSoft    BounceType = "soft"
	BounceSpam    BounceType = "spam"
	BounceUnknown BounceType = "unknown"
)

// Bounce is the classification of one failed delivery.
type Bounce struct {
	Type    BounceType
	Code    string
	Message string
}

// IsPermanent reports whether the failure must not be retried. Spam is
// treated like a hard bounce.
func (b Bounce) IsPermanent() bool {
	return b.Type == BounceHard || b.Type == BounceSpam
}

// smtpCodeTypes maps well-known SMTP reply codes to bounce types.
var smtpCodeTypes = map[string]BounceType{
	"550": BounceHard, // mailbox not found
	"551": BounceHard, // user not local
	"552": BounceHard, // mailbox full, permanent after repeats
	"553": BounceHard, // mailbox name invalid
	"554": BounceHard, // transaction failed

	"421": BounceSoft, // service not available
	"450": BounceSoft, // mailbox busy
	"451": BounceSoft, // local error
	"452": BounceSoft, // insufficient storage

	"571": BounceSpam, // blocked as spam
}

var (
	smtpCodeRe        = regexp.MustCompile(`\b([45]\d{2})\b`)
	spamIndicators    = []string{"spam", "blocked", "blacklist", "rejected", "abuse"}
	invalidIndicators = []string{"not found", "does not exist", "invalid", "unknown user", "no such user"}
)

// ClassifyBounce analyses a transport failure. The SMTP code drives the
// classification; message text indicators for spam and invalid recipients
// override the code-level result, with invalid-recipient taking precedence.
func ClassifyBounce(err error) Bounce {
	message := ""
	code := ""
	if err != nil {
		message = err.Error()
		var te *TransportError
		if errors.As(err, &te) {
			code = fmt.Sprintf("%d", te.Code)
		}
	}
	if code == "" {
		if m := smtpCodeRe.FindStringSubmatch(message); m != nil {
			code = m[1]
		}
	}

	btype := BounceUnknown
	if t, ok := smtpCodeTypes[code]; ok {
		btype = t
	} else if strings.HasPrefix(code, "5") {
		btype = BounceHard
	} else if strings.HasPrefix(code, "4") {
		btype = BounceSoft
	}

	lower := strings.ToLower(message)
	for _, ind := range spamIndicators {
		if strings.Contains(lower, ind) {
			btype = BounceSpam
			break
		}
	}
	for _, ind := range invalidIndicators {
		if strings.Contains(lower, ind) {
			btype = BounceHard
			break
		}
	}

	return Bounce{Type: btype, Code: code, Message: message}
}
