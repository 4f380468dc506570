package response

import "github.com/gin-gonic/gin"

// RequestIDKey is the gin context key holding the correlation id.
const RequestIDKey = "request_id"

// Success writes body with "success": true added at the top level.
func Success(c *gin.Context, statusCode int, body gin.H) {
	out := gin.H{"success": true}
	for k, v := range body {
		out[k] = v
	}
	c.JSON(statusCode, out)
}

func Error(c *gin.Context, statusCode int, code string, message string) {
	ErrorWithDetails(c, statusCode, code, message, nil)
}

// ErrorWithDetails writes the error envelope. The request id is echoed so
// that clients can quote it.
func ErrorWithDetails(c *gin.Context, statusCode int, code string, message string, details any) {
	c.AbortWithStatusJSON(statusCode, envelope(c, code, message, details))
}

func envelope(c *gin.Context, code, message string, details any) gin.H {
	e := gin.H{
		"code":    code,
		"message": message,
	}
	if details != nil {
		e["details"] = details
	}
	if id := c.GetString(RequestIDKey); id != "" {
		e["requestId"] = id
	}
	return gin.H{"success": false, "error": e}
}
