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

package embedding

import "regexp"

// Pseudonymization happens before any text crosses the process boundary
// toward the embedding or completion capability. This is a hard privacy
// requirement, not an optimization.
var (
	emailPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	ibanPattern  = regexp.MustCompile(`\b[A-Z]{2}\d{2}[ ]?\d{4}[ ]?\d{4}[ ]?\d{4}[ ]?\d{4}[ ]?\d{0,2}\b`)
	// No leading \b: word boundaries cannot sit between a space and "+".
	phonePattern = regexp.MustCompile(`(\+\d{1,3}[ -]?)?\(?\d{2,4}\)?[ .-]?\d{3,4}[ .-]?\d{3,4}\b`)
	namePattern  = regexp.MustCompile(`\b(Herr|Frau|Mr\.|Mrs\.|Ms\.) +[A-ZÄÖÜ][a-zäöüß]+\b`)
)

// Pseudonymize replaces email addresses, IBAN-shaped strings,
// phone-number-shaped strings and "title + surname" patterns with fixed
// placeholder tokens.
func Pseudonymize(text string) string {
	cleaned := emailPattern.ReplaceAllString(text, "[EMAIL]")
	cleaned = ibanPattern.ReplaceAllString(cleaned, "[IBAN]")
	cleaned = phonePattern.ReplaceAllString(cleaned, "[PHONE]")
	cleaned = namePattern.ReplaceAllString(cleaned, "[NAME]")
	return cleaned
}
