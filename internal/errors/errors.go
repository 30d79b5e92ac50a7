// errors.go: Package errors attaches a component, a category and context to errors so
// they can be logged, matched and optionally reported to Sentry.
package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"
	"time"
)

// ErrorCategory groups errors by failure kind.
type ErrorCategory string

const (
	CategoryValidation     ErrorCategory = "validation"
	CategoryConfiguration  ErrorCategory = "configuration"
	CategoryNetwork        ErrorCategory = "network"
	CategoryDatabase       ErrorCategory = "database"
	CategoryFileIO         ErrorCategory = "file-io"
	CategoryPayloadParse   ErrorCategory = "payload-parse"
	CategoryMQTTConnection ErrorCategory = "mqtt-connection"
	CategoryMQTTSubscribe  ErrorCategory = "mqtt-subscribe"
	CategoryImageFetch     ErrorCategory = "image-fetch"
	CategoryImageCache     ErrorCategory = "image-cache"
	CategoryState          ErrorCategory = "state"
	CategoryNotFound       ErrorCategory = "not-found"
	CategoryTimeout        ErrorCategory = "timeout"
	CategoryCancellation   ErrorCategory = "cancellation"
	CategoryLimit          ErrorCategory = "limit"
	CategoryGeneric        ErrorCategory = "generic"
)

// ComponentUnknown is used when no component was set or detected.
const ComponentUnknown = "unknown"

const modulePrefix = "github.com/tphakala/birdnet-tiles/internal/"

// EnhancedError wraps an error with metadata. Build it with New.
type EnhancedError struct {
	Err       error
	Component string
	Category  ErrorCategory
	Context   map[string]any
	Timestamp time.Time
	reported  atomic.Bool
}

func (ee *EnhancedError) Error() string { return ee.Err.Error() }
func (ee *EnhancedError) Unwrap() error { return ee.Err }

// Is matches another EnhancedError by category, otherwise the wrapped error.
func (ee *EnhancedError) Is(target error) bool {
	if other, ok := target.(*EnhancedError); ok {
		return ee.Category == other.Category
	}
	return stderrors.Is(ee.Err, target)
}

// MarkReported records that telemetry has seen this error.
func (ee *EnhancedError) MarkReported() { ee.reported.Store(true) }

// IsReported reports whether MarkReported was called.
func (ee *EnhancedError) IsReported() bool { return ee.reported.Load() }

// ErrorBuilder assembles an EnhancedError.
type ErrorBuilder struct {
	err       error
	component string
	category  ErrorCategory
	context   map[string]any
}

// New starts a builder around err.
func New(err error) *ErrorBuilder {
	return &ErrorBuilder{err: err}
}

// Newf starts a builder around a formatted error.
func Newf(format string, args ...any) *ErrorBuilder {
	return New(fmt.Errorf(format, args...))
}

func (eb *ErrorBuilder) Component(component string) *ErrorBuilder {
	eb.component = component
	return eb
}

func (eb *ErrorBuilder) Category(category ErrorCategory) *ErrorBuilder {
	eb.category = category
	return eb
}

func (eb *ErrorBuilder) Context(key string, value any) *ErrorBuilder {
	if eb.context == nil {
		eb.context = make(map[string]any)
	}
	eb.context[key] = value
	return eb
}

// Build returns the error. When a telemetry reporter is active, a missing
// component or category is detected and the error is reported.
func (eb *ErrorBuilder) Build() *EnhancedError {
	reporting := reportingActive.Load()
	if eb.component == "" {
		eb.component = ComponentUnknown
		if reporting {
			eb.component = detectComponent()
		}
	}
	if eb.category == "" {
		eb.category = CategoryGeneric
		if reporting {
			eb.category = detectCategory(eb.err, eb.component)
		}
	}

	ee := &EnhancedError{
		Err:       eb.err,
		Component: eb.component,
		Category:  eb.category,
		Context:   eb.context,
		Timestamp: time.Now(),
	}
	if reporting {
		reportToTelemetry(ee)
	}
	return ee
}

// reportingActive gates the stack walk in detectComponent.
var reportingActive atomic.Bool

// detectComponent returns the package of the first caller frame inside this
// module, outside this package.
func detectComponent() string {
	pcs := make([]uintptr, 32)
	frames := runtime.CallersFrames(pcs[:runtime.Callers(3, pcs)])
	for {
		frame, more := frames.Next()
		if rest, ok := strings.CutPrefix(frame.Function, modulePrefix); ok && !strings.HasPrefix(rest, "errors.") {
			if pkg, _, found := strings.Cut(rest, "."); found {
				return pkg
			}
		}
		if !more {
			return ComponentUnknown
		}
	}
}

// detectCategory prefers a category carried in the chain, then the message,
// then the component.
func detectCategory(err error, component string) ErrorCategory {
	if err == nil {
		return CategoryGeneric
	}
	var inner *EnhancedError
	if stderrors.As(err, &inner) {
		return inner.Category
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return CategoryTimeout
	case strings.Contains(msg, "connection"), strings.Contains(msg, "dial"):
		if component == "mqtt" {
			return CategoryMQTTConnection
		}
		return CategoryNetwork
	}

	switch component {
	case "mqtt":
		return CategoryMQTTConnection
	case "imagecache", "httpclient":
		return CategoryImageFetch
	case "datastore":
		return CategoryDatabase
	case "conf":
		return CategoryConfiguration
	default:
		return CategoryGeneric
	}
}

// ValidationError returns a validation-category error with message.
func ValidationError(message string) *EnhancedError {
	return New(stderrors.New(message)).Category(CategoryValidation).Build()
}

// IsCategory reports whether the outermost EnhancedError in err's chain has
// category.
func IsCategory(err error, category ErrorCategory) bool {
	var ee *EnhancedError
	return stderrors.As(err, &ee) && ee.Category == category
}

// IsNotFound reports IsCategory(err, CategoryNotFound).
func IsNotFound(err error) bool {
	return IsCategory(err, CategoryNotFound)
}

// Standard library passthroughs so callers need one errors import.

func NewStd(text string) error { return stderrors.New(text) }
func Is(err, target error) bool { return stderrors.Is(err, target) }
func As(err error, target any) bool { return stderrors.As(err, target) }
func Unwrap(err error) error { return stderrors.Unwrap(err) }
func Join(errs ...error) error { return stderrors.Join(errs...) }
