package controller

import (
	"encoding/json"
	"net/http"

	"github.com/gravitl/tunlink/logger"
	"github.com/gravitl/tunlink/models"
)

// FormatError - error response for err with the status matching errType
func FormatError(err error, errType string) models.ErrorResponse {
	var status = http.StatusInternalServerError
	switch errType {
	case "internal":
		status = http.StatusInternalServerError
	case "badrequest":
		status = http.StatusBadRequest
	case "notfound":
		status = http.StatusNotFound
	case "forbidden":
		status = http.StatusForbidden
	case "unavailable":
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
	}
	return models.ErrorResponse{
		Message: err.Error(),
		Code:    status,
	}
}

// ReturnSuccessResponse - processes message and adds header
func ReturnSuccessResponse(response http.ResponseWriter, request *http.Request, message string) {
	var httpResponse models.SuccessResponse
	httpResponse.Code = http.StatusOK
	httpResponse.Message = message
	response.Header().Set("Content-Type", "application/json")
	response.WriteHeader(http.StatusOK)
	json.NewEncoder(response).Encode(httpResponse)
}

// ReturnSuccessResponseWithJson - writes payload as the response body
func ReturnSuccessResponseWithJson(response http.ResponseWriter, request *http.Request, payload interface{}) {
	response.Header().Set("Content-Type", "application/json")
	response.WriteHeader(http.StatusOK)
	json.NewEncoder(response).Encode(payload)
}

// ReturnErrorResponse - processes error and adds header
func ReturnErrorResponse(response http.ResponseWriter, request *http.Request, errorMessage models.ErrorResponse) {
	httpResponse := &models.ErrorResponse{Code: errorMessage.Code, Message: errorMessage.Message}
	jsonResponse, err := json.Marshal(httpResponse)
	if err != nil {
		panic(err)
	}
	logger.Log(1, "processed request error:", errorMessage.Message)
	response.Header().Set("Content-Type", "application/json")
	response.WriteHeader(errorMessage.Code)
	response.Write(jsonResponse)
}
