// Package sanitize normalizes free-text request fields (usernames,
// notes, search keywords) before they reach storage or log output.
// Everything the API accepts is plain text; markup is stripped, not
// rendered.
package sanitize

import (
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	textPolicyOnce sync.Once
	textPolicy     *bluemonday.Policy
)

func policy() *bluemonday.Policy {
	textPolicyOnce.Do(func() {
		textPolicy = bluemonday.StrictPolicy()
	})
	return textPolicy
}

// Text strips any markup from the input and trims surrounding
// whitespace.
func Text(input string) string {
	return strings.TrimSpace(policy().Sanitize(input))
}

// TextPtr is Text for optional fields; nil stays nil so an absent
// field remains distinguishable from an empty one.
func TextPtr(input *string) *string {
	if input == nil {
		return nil
	}
	value := Text(*input)
	return &value
}
