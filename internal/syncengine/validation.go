package syncengine

import (
	"errors"

	"github.com/MarcoPoloResearchLab/slotsync/internal/slots"
	"github.com/go-playground/validator/v10"
)

const machineStatusTag = "machine_status"

var inputValidator = newInputValidator()

func newInputValidator() *validator.Validate {
	validate := validator.New(validator.WithRequiredStructEnabled())
	_ = validate.RegisterValidation(machineStatusTag, func(fl validator.FieldLevel) bool {
		_, err := slots.ParseStatus(fl.Field().String())
		return err == nil
	})
	return validate
}

type storeNameInput struct {
	Name string `validate:"required,max=190"`
}

type machineNumberInput struct {
	Number string `validate:"required,max=64"`
}

type statusInput struct {
	Status string `validate:"machine_status"`
}

type countInput struct {
	Count int `validate:"gte=0"`
}

type memoInput struct {
	Memo string `validate:"max=2000"`
}

type inviteCodeInput struct {
	Code string `validate:"len=8"`
}

type moveInput struct {
	From   int `validate:"gte=0,ltfield=Length"`
	To     int `validate:"gte=0,ltfield=Length"`
	Length int
}

var fieldMessages = map[string]string{
	"Name":   "store name is required",
	"Number": "machine number is required",
	"Status": "unknown machine status",
	"Count":  "first hit count must not be negative",
	"Memo":   "memo is too long",
	"Code":   "invite code must be 8 characters",
	"From":   "machine index out of range",
	"To":     "machine index out of range",
}

// check validates input and converts the first failure into a validation error.
func check(op string, input any) error {
	err := inputValidator.Struct(input)
	if err == nil {
		return nil
	}
	var fieldErrors validator.ValidationErrors
	if errors.As(err, &fieldErrors) && len(fieldErrors) > 0 {
		if message, ok := fieldMessages[fieldErrors[0].Field()]; ok {
			return validationError(op, message)
		}
	}
	return validationError(op, err.Error())
}
