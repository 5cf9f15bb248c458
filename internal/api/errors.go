package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/lalith-99/hghs/internal/matrix"
	"github.com/lalith-99/hghs/internal/middleware"
	"go.uber.org/zap"
)

// respondError writes err as a Matrix error body. A *matrix.Error is
// passed through as is; anything else is logged under op and hidden
// behind a generic 500. fields must not carry secrets.
func respondError(c *gin.Context, logger *zap.Logger, op string, err error, fields ...zap.Field) {
	if matrixErr, ok := matrix.AsError(err); ok {
		c.AbortWithStatusJSON(matrixErr.Status, matrixErr)
		return
	}
	fields = append(fields,
		zap.String("op", op),
		zap.String("request_id", c.GetString(middleware.ContextKeyRequestID)),
		zap.Error(err),
	)
	logger.Error("request failed", fields...)
	internal := matrix.Internal()
	c.AbortWithStatusJSON(internal.Status, internal)
}

// bindJSON binds the request body into dst with gin's JSON binding, so
// `binding:"required"` tags are enforced. When optional is set an empty
// body leaves dst untouched.
func bindJSON(c *gin.Context, dst any, optional bool) bool {
	// Why both checks? A chunked request reports ContentLength -1 even when
	// it carries nothing, and then the decoder is what sees the empty body.
	if optional && c.Request.ContentLength == 0 {
		return true
	}
	err := c.ShouldBindJSON(dst)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	matrixErr := bindError(err)
	c.AbortWithStatusJSON(matrixErr.Status, matrixErr)
	return false
}

// bindContent binds a body that is forwarded as event content. Content
// must be a JSON object; its values are kept as sent.
func bindContent(c *gin.Context) (json.RawMessage, bool) {
	var fields map[string]json.RawMessage
	err := c.ShouldBindJSON(&fields)
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) || (err == nil && fields == nil) {
		err = matrix.BadRequest(matrix.CodeNotJSON, "Content must be a JSON object")
	}
	if err != nil {
		matrixErr, ok := matrix.AsError(err)
		if !ok {
			matrixErr = bindError(err)
		}
		c.AbortWithStatusJSON(matrixErr.Status, matrixErr)
		return nil, false
	}
	content, err := json.Marshal(fields)
	if err != nil {
		matrixErr := matrix.BadRequest(matrix.CodeBadJSON, "Invalid content: %v", err)
		c.AbortWithStatusJSON(matrixErr.Status, matrixErr)
		return nil, false
	}
	return content, true
}

// bindError maps a gin binding failure to the Matrix error a client
// expects. Anything that is not a size, validation or type problem means
// the body did not parse: syntax errors, empty and truncated bodies.
func bindError(err error) *matrix.Error {
	var (
		tooLarge   *http.MaxBytesError
		validation validator.ValidationErrors
		typeErr    *json.UnmarshalTypeError
	)
	switch {
	case errors.As(err, &tooLarge):
		return matrix.NewError(http.StatusRequestEntityTooLarge, matrix.CodeTooLarge, "Request body exceeds %d bytes", tooLarge.Limit)
	case errors.As(err, &validation):
		return matrix.BadRequest(matrix.CodeMissingParam, "Missing required parameter: %s", fieldNames(validation))
	case errors.As(err, &typeErr):
		return matrix.BadRequest(matrix.CodeBadJSON, "Invalid JSON body: %s", describeTypeError(typeErr))
	default:
		return matrix.BadRequest(matrix.CodeNotJSON, "Content not JSON.")
	}
}

func fieldNames(errs validator.ValidationErrors) string {
	names := make([]string, 0, len(errs))
	for _, fe := range errs {
		names = append(names, fe.Field())
	}
	return strings.Join(names, ", ")
}

func describeTypeError(err *json.UnmarshalTypeError) string {
	if err.Field != "" {
		return "field " + err.Field + " must be " + err.Type.String()
	}
	return err.Error()
}

var registerFieldNames sync.Once

// useJSONFieldNames makes validation errors report the JSON name of a
// field ("user_id") rather than the Go one ("UserID").
func useJSONFieldNames() {
	registerFieldNames.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(func(field reflect.StructField) string {
			name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
			switch name {
			case "-":
				return ""
			case "":
				return field.Name
			}
			return name
		})
	})
}

func unrecognized(c *gin.Context) {
	matrixErr := matrix.NewError(http.StatusNotFound, matrix.CodeUnrecognized, "Unrecognized request")
	c.AbortWithStatusJSON(matrixErr.Status, matrixErr)
}

func methodNotAllowed(c *gin.Context) {
	matrixErr := matrix.NewError(http.StatusMethodNotAllowed, matrix.CodeUnrecognized, "Unrecognized request")
	c.AbortWithStatusJSON(matrixErr.Status, matrixErr)
}
