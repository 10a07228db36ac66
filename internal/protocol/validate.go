package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateQuery trims the query text and checks field constraints.
func ValidateQuery(q *LLMQuery) error {
	q.Message = strings.TrimSpace(q.Message)
	if err := validate.Struct(q); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			switch fe.Tag() {
			case "required":
				return fmt.Errorf("%s is required", jsonName(fe.Field()))
			case "max":
				return fmt.Errorf("%s exceeds %s characters", jsonName(fe.Field()), fe.Param())
			}
			return fmt.Errorf("%s is invalid", jsonName(fe.Field()))
		}
		return fmt.Errorf("validate query: %w", err)
	}
	return nil
}

func jsonName(field string) string {
	switch field {
	case "Message":
		return "message"
	case "ConversationID":
		return "conversationId"
	case "MessageID":
		return "messageId"
	}
	return strings.ToLower(field)
}
