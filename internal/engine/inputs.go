package engine

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"

	"secflow/internal/domain"
)

var validate = validator.New()

// Actor is whoever performs an operation.
type Actor struct {
	ID   string      `validate:"required"`
	Role domain.Role `validate:"required,oneof=admin manager tester client"`
}

// OnboardOptions create a timeline for a (client, service) pair.
type OnboardOptions struct {
	ClientID    string `validate:"required,max=128"`
	ClientName  string `validate:"max=256"`
	ServiceID   string `validate:"required,max=128"`
	ServiceName string `validate:"required,max=256"`
}

type CommentInput struct {
	Content string `validate:"required,max=4000"`
}

// AttachmentInput is file metadata only; the bytes live elsewhere.
type AttachmentInput struct {
	Name string `validate:"required,max=512"`
	Type string `validate:"required,max=128"`
	Size int64  `validate:"gte=0"`
	URL  string `validate:"omitempty,url"`
}

type FindingInput struct {
	Title       string          `validate:"required,max=512"`
	Description string          `validate:"max=8000"`
	Severity    domain.Severity `validate:"required,oneof=low medium high critical"`
	Evidence    string
	PoC         string
}

func checkInput(v any) error {
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Field()+" "+fe.Tag())
			}
			return fail(ErrInvalidInput, -1, "%s", strings.Join(fields, ", "))
		}
		return fail(ErrInvalidInput, -1, "%v", err)
	}
	return nil
}
