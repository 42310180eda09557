package orchestrator

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// StartRequest is what a client submits to begin a run
type StartRequest struct {
	RepoURL    string `json:"repo_url" validate:"required,max=2048,repourl"`
	TeamName   string `json:"team_name" validate:"max=200"`
	LeaderName string `json:"leader_name" validate:"max=200"`
}

// RunHandle identifies a started run
type RunHandle struct {
	ID     string `json:"run_id"`
	Branch string `json:"branch_name"`
}

// ValidationError reports which request fields were rejected
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, name := range []string{"repo_url", "team_name", "leader_name"} {
		if msg, ok := e.Fields[name]; ok {
			parts = append(parts, name+": "+msg)
		}
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

// IsValidation reports whether err is a *ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func newValidator(allowLocal bool) *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	_ = v.RegisterValidation("repourl", func(fl validator.FieldLevel) bool {
		return validRepoURL(fl.Field().String(), allowLocal)
	})
	return v
}

// validRepoURL accepts http(s) URLs with a host. Local paths and file://
// URLs are only accepted when allowLocal is set.
func validRepoURL(s string, allowLocal bool) bool {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") {
		return false
	}
	u, err := url.Parse(s)
	if err == nil {
		switch u.Scheme {
		case "http", "https":
			return u.Host != "" && u.User == nil
		case "file":
			return allowLocal && u.Path != ""
		}
	}
	return allowLocal && filepath.IsAbs(s)
}

func (o *Orchestrator) validateRequest(req StartRequest) error {
	err := o.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	ve := &ValidationError{Fields: make(map[string]string)}
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			ve.Fields[fe.Field()] = "is required"
		case "repourl":
			ve.Fields[fe.Field()] = "must be an http or https repository URL"
		case "max":
			ve.Fields[fe.Field()] = fmt.Sprintf("must be at most %s characters", fe.Param())
		default:
			ve.Fields[fe.Field()] = "is invalid"
		}
	}
	return ve
}
