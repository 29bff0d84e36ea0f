package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/EternisAI/silo-relay/internal/auth"
	"github.com/gin-gonic/gin"
)

const (
	APIKeyHeader   = "X-API-Key"
	AgentKeyHeader = "X-Agent-Key"

	credentialsKey = "credentials"
)

// OperatorCredentials collects the shared secret, session token or HTTP
// Basic pair an operator presented. Requests carrying none are rejected here;
// the relay validates whatever was presented.
func OperatorCredentials() gin.HandlerFunc {
	return func(c *gin.Context) {
		creds := auth.Credentials{
			Secret: c.GetHeader(APIKeyHeader),
			Token:  bearerToken(c.GetHeader("Authorization")),
		}
		if username, password, ok := c.Request.BasicAuth(); ok {
			creds.Username, creds.Password = username, password
		}
		if creds.Secret == "" && creds.Token == "" && creds.Username == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing credentials"})
			return
		}

		c.Set(credentialsKey, creds)
		c.Next()
	}
}

// CredentialsFrom returns what OperatorCredentials stored on c.
func CredentialsFrom(c *gin.Context) auth.Credentials {
	v, ok := c.Get(credentialsKey)
	if !ok {
		return auth.Credentials{}
	}
	creds, _ := v.(auth.Credentials)
	return creds
}

type AgentAuthenticator interface {
	AuthenticateAgent(key string) error
}

// AgentKey rejects agent requests without the configured agent key.
func AgentKey(a AgentAuthenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := a.AuthenticateAgent(c.GetHeader(AgentKeyHeader)); err != nil {
			slog.Warn("Rejected agent request",
				"path", c.Request.URL.Path,
				"client_ip", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid agent key"})
			return
		}
		c.Next()
	}
}

func bearerToken(header string) string {
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
