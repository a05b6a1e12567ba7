package process

import (
	"strings"
	"time"

	"github.com/k1networth/dispatch-relay/internal/shared/httpx"
)

type Status string

const (
	StatusOpen             Status = "open"
	StatusInProgress       Status = "in_progress"
	StatusWaitingDocuments Status = "waiting_documents"
	StatusDone             Status = "done"
	StatusCancelled        Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusWaitingDocuments, StatusDone, StatusCancelled:
		return true
	}
	return false
}

// Process is one vehicle-document job a dispatch agent handles for a
// customer.
type Process struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenantId"`
	Plate        string    `json:"plate"`
	Service      string    `json:"service"`
	CustomerName string    `json:"customerName,omitempty"`
	Status       Status    `json:"status"`
	CreatedBy    string    `json:"createdBy,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type CreateProcessRequest struct {
	Plate        string `json:"plate"`
	Service      string `json:"service"`
	CustomerName string `json:"customerName"`
}

func (r CreateProcessRequest) Validate() error {
	plate := strings.TrimSpace(r.Plate)
	if plate == "" {
		return httpx.ValidationError("plate is required")
	}
	if len(plate) > 10 {
		return httpx.ValidationError("plate must be at most 10 characters")
	}
	service := strings.TrimSpace(r.Service)
	if service == "" {
		return httpx.ValidationError("service is required")
	}
	if len(service) > 100 {
		return httpx.ValidationError("service must be at most 100 characters")
	}
	if len(strings.TrimSpace(r.CustomerName)) > 200 {
		return httpx.ValidationError("customerName must be at most 200 characters")
	}
	return nil
}

type UpdateStatusRequest struct {
	Status Status `json:"status"`
}

func (r UpdateStatusRequest) Validate() error {
	if r.Status == "" {
		return httpx.ValidationError("status is required")
	}
	if !r.Status.Valid() {
		return httpx.ValidationError("unknown status")
	}
	return nil
}

// Client and notification records live in systems outside this service.
// These requests only announce them.
type CreateClientRequest struct {
	Name     string `json:"name"`
	Document string `json:"document"`
	Phone    string `json:"phone,omitempty"`
}

func (r CreateClientRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return httpx.ValidationError("name is required")
	}
	if strings.TrimSpace(r.Document) == "" {
		return httpx.ValidationError("document is required")
	}
	return nil
}

type SendNotificationRequest struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	Recipient string `json:"recipient,omitempty"`
}

func (r SendNotificationRequest) Validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return httpx.ValidationError("title is required")
	}
	if len(r.Body) > 5000 {
		return httpx.ValidationError("body must be at most 5000 characters")
	}
	return nil
}
