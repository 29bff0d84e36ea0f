package dto

import (
	"time"

	"github.com/EternisAI/silo-relay/internal/enroll"
)

type CreateEnrollmentKeyRequest struct {
	AgentID string `json:"agent_id" binding:"required"`
}

type CreateEnrollmentKeyResponse struct {
	Key       string    `json:"key"`
	AgentID   string    `json:"agent_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type ListEnrollmentKeysResponse struct {
	Keys  []enroll.Key `json:"keys"`
	Count int          `json:"count"`
}

type EnrollRequest struct {
	Key string `json:"key" binding:"required"`
}

type EnrollResponse struct {
	AgentID   string `json:"agent_id"`
	CertPEM   string `json:"cert_pem"`
	KeyPEM    string `json:"key_pem"`
	CACertPEM string `json:"ca_cert_pem"`
}
