package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/celerix-dev/celerix-machines/internal/driver"
	"github.com/celerix-dev/celerix-machines/internal/machines"
	"github.com/celerix-dev/celerix-machines/pkg/schema"
	"github.com/celerix-dev/celerix-machines/pkg/sdk"
)

const (
	msgNotOwner      = "Only Staff and the machine Owner are allowed to change machine info."
	msgUserNotFound  = "User not found"
	msgNoCredentials = "Authentication credentials were not provided."
	msgBadToken      = "Invalid token."
)

func fail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, schema.NewFailure(status, msg))
}

// respondError maps a service error onto a status code and body.
func (h *Handler) respondError(c *gin.Context, err error) {
	var verr *machines.ValidationError
	switch {
	case errors.As(err, &verr):
		c.AbortWithStatusJSON(http.StatusBadRequest, fieldErrors(verr.Err))
	case errors.Is(err, machines.ErrNotAuthorized):
		fail(c, http.StatusUnauthorized, msgNotOwner)
	case errors.Is(err, machines.ErrUserNotFound):
		fail(c, http.StatusUnauthorized, msgUserNotFound)
	case errors.Is(err, machines.ErrVersionConflict):
		fail(c, http.StatusConflict, "Machine was modified by another request; reload and retry.")
	case errors.Is(err, sdk.ErrMachineNotFound):
		fail(c, http.StatusNotFound, "Machine not found")
	case errors.Is(err, sdk.ErrProviderNotFound), errors.Is(err, driver.ErrIdentityMismatch):
		fail(c, http.StatusNotFound, "Provider not found")
	default:
		h.Log.Error("request failed",
			zap.String("path", c.Request.URL.Path), zap.String("request_id", c.GetString(requestIDKey)), zap.Error(err))
		fail(c, http.StatusInternalServerError, "Internal server error")
	}
}

var tagNames sync.Once

// useJSONFieldNames makes validation errors report JSON field names.
func useJSONFieldNames() {
	tagNames.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
}

// fieldErrors renders a validation failure as {field: [messages]}.
func fieldErrors(err error) map[string][]string {
	out := make(map[string][]string)

	var verrs validator.ValidationErrors
	var typeErr *json.UnmarshalTypeError
	var syntaxErr *json.SyntaxError
	switch {
	case errors.As(err, &verrs):
		for _, fe := range verrs {
			out[fe.Field()] = append(out[fe.Field()], fieldMessage(fe))
		}
	case errors.As(err, &typeErr) && typeErr.Field != "":
		out[typeErr.Field] = append(out[typeErr.Field], fmt.Sprintf("Incorrect type. Expected %s.", typeErr.Type))
	case errors.As(err, &syntaxErr):
		out["non_field_errors"] = []string{"Invalid JSON: " + syntaxErr.Error()}
	default:
		out["non_field_errors"] = []string{err.Error()}
	}
	return out
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "This field is required."
	case "min":
		if fe.Kind() == reflect.String {
			if fe.Param() == "1" {
				return "This field may not be blank."
			}
			return fmt.Sprintf("Ensure this field has at least %s characters.", fe.Param())
		}
		return fmt.Sprintf("Ensure this field has at least %s elements.", fe.Param())
	case "max":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("Ensure this field has no more than %s characters.", fe.Param())
		}
		return fmt.Sprintf("Ensure this field has no more than %s elements.", fe.Param())
	default:
		return fmt.Sprintf("Failed on the %q rule.", fe.Tag())
	}
}
