package core

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	defaultPerPage = 20
	maxPerPage     = 100
)

// respondError sends unified error payload {"error": {"code", "message"}}.
func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": gin.H{"code": code, "message": message}})
}

// respondPortalError maps a portal failure onto an HTTP status.
// Bad portal credentials are the caller's fault; everything else is upstream.
func respondPortalError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrAuthenticationFailed):
		respondError(c, http.StatusUnauthorized, "PORTAL_AUTH_FAILED", err.Error())
	case errors.Is(err, ErrPortalConnectivity):
		respondError(c, http.StatusBadGateway, "PORTAL_UNREACHABLE", err.Error())
	case errors.Is(err, ErrSessionExpired), errors.Is(err, ErrInvalidResponse):
		respondError(c, http.StatusBadGateway, "PORTAL_BAD_RESPONSE", err.Error())
	default:
		respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "portal request failed")
	}
}

func parsePagination(pageStr, perPageStr string) (int, int, error) {
	page := 1
	perPage := defaultPerPage
	if strings.TrimSpace(pageStr) != "" {
		p, err := strconv.Atoi(pageStr)
		if err != nil || p <= 0 {
			return 0, 0, errors.New("page must be a positive integer")
		}
		page = p
	}
	if strings.TrimSpace(perPageStr) != "" {
		p, err := strconv.Atoi(perPageStr)
		if err != nil || p <= 0 {
			return 0, 0, errors.New("per_page must be a positive integer")
		}
		if p > maxPerPage {
			p = maxPerPage
		}
		perPage = p
	}
	return page, perPage, nil
}

func calcTotalPages(total, perPage int) int {
	if perPage <= 0 {
		return 0
	}
	return (total + perPage - 1) / perPage
}

// validDate accepts YYYYMMDD.
func validDate(s string) bool {
	if len(s) != 8 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
