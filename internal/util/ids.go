package util

import (
	"strings"

	"github.com/google/uuid"
)

// Entity ID prefixes. IDs are a prefix followed by 32 lowercase hex digits.
const (
	PersonIDPrefix   = "per_"
	TemplateIDPrefix = "tpl_"
	InstanceIDPrefix = "seq_"
	StepIDPrefix     = "stp_"
	MessageIDPrefix  = "msg_"
	JobIDPrefix      = "job_"
)

const idHexLength = 32

// NewID returns prefix followed by the hex form of a random v4 UUID.
func NewID(prefix string) string {
	return prefix + Token()
}

// Token returns 32 random lowercase hex digits.
func Token() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// HasIDPrefix reports whether id looks like one minted by NewID(prefix).
func HasIDPrefix(id, prefix string) bool {
	if !strings.HasPrefix(id, prefix) {
		return false
	}
	rest := id[len(prefix):]
	if len(rest) != idHexLength {
		return false
	}
	for i := 0; i < len(rest); i++ {
		c := rest[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func GeneratePersonID() string   { return NewID(PersonIDPrefix) }
func GenerateTemplateID() string { return NewID(TemplateIDPrefix) }
func GenerateInstanceID() string { return NewID(InstanceIDPrefix) }
func GenerateStepID() string     { return NewID(StepIDPrefix) }
func GenerateMessageID() string  { return NewID(MessageIDPrefix) }
func GenerateJobID() string      { return NewID(JobIDPrefix) }
