// Package render turns instance steps into the text sent to a person.
//
// Template variables use the {{name}} syntax. Names match case-insensitively
// and may be padded with whitespace inside the braces; unknown names are left
// in place.
package render

import (
	"regexp"
	"strings"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

var variablePattern = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// Variable describes one supported template variable.
type Variable struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

var availableVariables = []Variable{
	{Name: "firstName", Description: "Person's first name"},
	{Name: "lastName", Description: "Person's last name"},
	{Name: "fullName", Description: "Person's full name"},
	{Name: "email", Description: "Person's email address"},
	{Name: "phone", Description: "Person's phone number"},
	{Name: "whatsapp", Description: "Person's WhatsApp number"},
	{Name: "companyName", Description: "Company name"},
}

// AvailableVariables lists the variables a template may use.
func AvailableVariables() []Variable {
	out := make([]Variable, len(availableVariables))
	copy(out, availableVariables)
	return out
}

// Variables returns the variable values for a person, keyed by lower-case name.
func Variables(p models.Person) map[string]string {
	return map[string]string{
		"firstname":   p.FirstName,
		"lastname":    p.LastName,
		"fullname":    p.FullName(),
		"email":       p.Email,
		"phone":       p.Phone,
		"whatsapp":    p.WhatsApp,
		"companyname": p.CompanyName,
	}
}

// Transform replaces every known variable in text. A known variable with an
// empty value renders as the empty string.
func Transform(text string, vars map[string]string) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	return variablePattern.ReplaceAllStringFunc(text, func(match string) string {
		name := variablePattern.FindStringSubmatch(match)[1]
		if v, ok := lookup(vars, name); ok {
			return v
		}
		return match
	})
}

// ExtractVariables returns the distinct variable names used in text, in order
// of first appearance and spelled as written.
func ExtractVariables(text string) []string {
	var names []string
	seen := make(map[string]bool)
	for _, m := range variablePattern.FindAllStringSubmatch(text, -1) {
		key := strings.ToLower(m[1])
		if seen[key] {
			continue
		}
		seen[key] = true
		names = append(names, m[1])
	}
	return names
}

// MissingVariables returns the variables used in text that have no value.
func MissingVariables(text string, vars map[string]string) []string {
	var missing []string
	for _, name := range ExtractVariables(text) {
		if v, ok := lookup(vars, name); !ok || v == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

func lookup(vars map[string]string, name string) (string, bool) {
	v, ok := vars[strings.ToLower(name)]
	return v, ok
}
