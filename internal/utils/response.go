package utils

import "github.com/gofiber/fiber/v2"

// APIResponse is the envelope every chat endpoint answers with. Code carries a
// stable machine-readable error kind on failures.
type APIResponse struct {
	Success bool        `json:"success"`
	Code    string      `json:"code,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message"`
}

// SendSuccess sends a successful JSON response with a message.
func SendSuccess(c *fiber.Ctx, message string, data interface{}) error {
	return SendSuccessWithStatus(c, fiber.StatusOK, message, data)
}

// SendSuccessWithStatus sends a success payload using the provided HTTP status code.
func SendSuccessWithStatus(c *fiber.Ctx, status int, message string, data interface{}) error {
	if message == "" {
		message = "success"
	}
	if status == 0 {
		status = fiber.StatusOK
	}

	return c.Status(status).JSON(APIResponse{
		Success: true,
		Data:    data,
		Message: message,
	})
}

// SendError sends an error JSON response with the given status code.
func SendError(c *fiber.Ctx, status int, message string) error {
	return SendErrorDetail(c, status, "", message, nil)
}

// SendErrorCode sends an error response tagged with an error kind such as
// "not_found" or "permission_denied".
func SendErrorCode(c *fiber.Ctx, status int, code, message string) error {
	return SendErrorDetail(c, status, code, message, nil)
}

// SendErrorDetail sends an error response that still carries a payload, e.g. a
// degraded health report.
func SendErrorDetail(c *fiber.Ctx, status int, code, message string, data interface{}) error {
	if message == "" {
		message = "error"
	}

	return c.Status(status).JSON(APIResponse{
		Success: false,
		Code:    code,
		Data:    data,
		Message: message,
	})
}
