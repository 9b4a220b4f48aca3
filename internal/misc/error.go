package misc

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/jsonapi"
)

type standardError struct {
	title string
	code  string
}

var standardErrors = map[int]standardError{
	http.StatusBadRequest:          {"errors occurred when processing request", "error.bad_request"},
	http.StatusUnauthorized:        {"request signature is missing or invalid", "error.unauthorized"},
	http.StatusNotFound:            {"requested resource cannot be found", "error.not_found"},
	http.StatusInternalServerError: {"something unexpected happened at the server side", "error.internal"},
}

// ReturnError writes a JSON:API error document and aborts the chain.
func ReturnError(ctx *gin.Context, status int, title string, code string, detail string) {
	ctx.Header("Content-Type", jsonapi.MediaType)
	ctx.Status(status)
	if err := jsonapi.MarshalErrors(ctx.Writer, []*jsonapi.ErrorObject{{
		Title:  title,
		Code:   code,
		Status: strconv.Itoa(status),
		Detail: detail,
	}}); err != nil {
		http.Error(ctx.Writer, err.Error(), http.StatusInternalServerError)
	}
	ctx.Abort()
}

// ReturnStandardError is ReturnError with the title and code registered for status.
func ReturnStandardError(ctx *gin.Context, status int, detail string) {
	std, ok := standardErrors[status]
	if !ok {
		std = standardError{http.StatusText(status), "error." + strconv.Itoa(status)}
	}
	ReturnError(ctx, status, std.title, std.code, detail)
}
