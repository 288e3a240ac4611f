package property

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/estatepay/internal/logging"
	"github.com/mbd888/estatepay/internal/pagination"
	"github.com/mbd888/estatepay/internal/validation"
)

// Handler provides HTTP endpoints for projects and buyers.
type Handler struct {
	service *Service
}

// NewHandler creates a new property handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public catalogue routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/projects", h.ListProjects)
	r.GET("/projects/:id", h.GetProject)
}

// RegisterAdminRoutes sets up staff-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/projects", h.CreateProject)
	r.POST("/buyers", h.CreateBuyer)
	r.GET("/buyers", h.ListBuyers)
	r.GET("/buyers/:id", h.GetBuyer)
}

func writeError(c *gin.Context, err error) {
	var verrs validation.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": verrs.Error(),
			"details": verrs,
		})
	case errors.Is(err, ErrProjectNotFound), errors.Is(err, ErrBuyerNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrDuplicateBuyer):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
	case errors.Is(err, pagination.ErrInvalidCursor):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("property request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
	}
}

// CreateProject handles POST /v1/projects
func (h *Handler) CreateProject(c *gin.Context) {
	var req CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	p, err := h.service.CreateProject(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"project": p})
}

// GetProject handles GET /v1/projects/:id
func (h *Handler) GetProject(c *gin.Context) {
	p, err := h.service.GetProject(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": p})
}

// ListProjects handles GET /v1/projects?cursor=&limit=
func (h *Handler) ListProjects(c *gin.Context) {
	projects, next, err := h.service.ListProjects(c.Request.Context(), c.Query("cursor"), pagination.Limit(c.Query("limit")))
	if err != nil {
		writeError(c, err)
		return
	}
	if projects == nil {
		projects = []*Project{}
	}
	c.JSON(http.StatusOK, gin.H{
		"projects":   projects,
		"count":      len(projects),
		"nextCursor": next,
	})
}

// CreateBuyer handles POST /v1/buyers
func (h *Handler) CreateBuyer(c *gin.Context) {
	var req CreateBuyerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	b, err := h.service.CreateBuyer(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"buyer": b})
}

// GetBuyer handles GET /v1/buyers/:id
func (h *Handler) GetBuyer(c *gin.Context) {
	b, err := h.service.GetBuyer(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"buyer": b})
}

// ListBuyers handles GET /v1/buyers?cursor=&limit=
func (h *Handler) ListBuyers(c *gin.Context) {
	buyers, next, err := h.service.ListBuyers(c.Request.Context(), c.Query("cursor"), pagination.Limit(c.Query("limit")))
	if err != nil {
		writeError(c, err)
		return
	}
	if buyers == nil {
		buyers = []*Buyer{}
	}
	c.JSON(http.StatusOK, gin.H{
		"buyers":     buyers,
		"count":      len(buyers),
		"nextCursor": next,
	})
}
