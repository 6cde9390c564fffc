package user

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

const (
	MinPasswordLen = 8
	MaxPasswordLen = 128
	maxNameLen     = 100
)

// FieldError names the offending field and why it was rejected.
// Rule is the failed validation tag when the error came from request binding.
type FieldError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule,omitempty"`
	Message string `json:"message"`
}

type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+" "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, msg string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: msg})
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

var validate = validator.New()

// role specific attribute rules: required keys and the full set of allowed keys.
type attributeRule struct {
	required []string
	allowed  map[string]string // key -> validator tag
}

var attributeRules = map[Role]attributeRule{
	RoleStudent: {
		required: []string{"gradeLevel"},
		allowed:  map[string]string{"gradeLevel": "max=20", "studentNumber": "max=40"},
	},
	RoleTeacher: {
		required: []string{"department"},
		allowed:  map[string]string{"department": "max=100", "subject": "max=100"},
	},
	RoleParent: {
		required: []string{"relationship"},
		allowed:  map[string]string{"relationship": "max=40", "childEmail": "email"},
	},
	RoleAdmin: {
		allowed: map[string]string{},
	},
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func ValidateEmail(email string) error {
	if err := validate.Var(email, "required,email,max=254"); err != nil {
		return &ValidationError{Fields: []FieldError{{Field: "email", Message: "must be a valid email address"}}}
	}
	return nil
}

func ValidatePassword(password string) error {
	verr := &ValidationError{}

	if len(password) < MinPasswordLen {
		verr.add("password", fmt.Sprintf("must be at least %d characters", MinPasswordLen))
	} else if len(password) > MaxPasswordLen {
		verr.add("password", fmt.Sprintf("must be at most %d characters", MaxPasswordLen))
	}

	var letter, digit bool
	for _, r := range password {
		switch {
		case unicode.IsLetter(r):
			letter = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if !letter || !digit {
		verr.add("password", "must contain at least one letter and one digit")
	}

	return verr.orNil()
}

// ValidateProfile checks names, phone and the role specific attributes.
func ValidateProfile(role Role, p Profile) error {
	verr := &ValidationError{}

	rule, ok := attributeRules[role]
	if !ok {
		verr.add("role", "must be one of STUDENT TEACHER ADMIN PARENT")
		return verr
	}

	checkName := func(field, v string) {
		v = strings.TrimSpace(v)
		if v == "" {
			verr.add(field, "is required")
			return
		}
		if utf8.RuneCountInString(v) > maxNameLen {
			verr.add(field, fmt.Sprintf("must be at most %d characters", maxNameLen))
		}
	}
	checkName("firstName", p.FirstName)
	checkName("lastName", p.LastName)

	if p.Phone != "" {
		if err := validate.Var(p.Phone, "e164"); err != nil {
			verr.add("phone", "must be an E.164 phone number")
		}
	}

	for _, key := range rule.required {
		if strings.TrimSpace(p.Attributes[key]) == "" {
			verr.add(key, "is required for role "+string(role))
		}
	}

	for key, val := range p.Attributes {
		tag, ok := rule.allowed[key]
		if !ok {
			verr.add(key, "is not allowed for role "+string(role))
			continue
		}
		if val == "" {
			continue
		}
		if err := validate.Var(val, tag); err != nil {
			verr.add(key, "failed "+tag+" validation")
		}
	}

	return verr.orNil()
}
