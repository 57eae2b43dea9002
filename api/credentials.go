package api

import (
	"github.com/gin-gonic/gin"
)

// credentialCreateRequest is the body of `POST /v1/credentials`: stores a
// provider secret under a new id, returning only the id (never the secret)
// per spec.md §4.8's "resolved authentication material... never logged,
// never returned".
type credentialCreateRequest struct {
	ProviderKey string `json:"providerKey" binding:"required"`
	Secret      string `json:"secret" binding:"required"`
}

type credentialView struct {
	ID          string `json:"id"`
	ProviderKey string `json:"providerKey"`
}

func (h *Handlers) CreateCredential(c *gin.Context) {
	var req credentialCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondBadRequest(c, err.Error())
		return
	}
	id, err := h.Credentials.Put(req.ProviderKey, req.Secret)
	if err != nil {
		RespondInternalError(c, err.Error())
		return
	}
	RespondCreated(c, credentialView{ID: id, ProviderKey: req.ProviderKey}, "/v1/credentials/"+id)
}

// ListCredentials is a metadata-only listing: the store has no index
// query beyond Get/Put/Delete by id, so this surface intentionally
// returns nothing until a dedicated listing query is added — a client
// that creates a credential already holds its id from the create
// response.
func (h *Handlers) ListCredentials(c *gin.Context) {
	RespondList(c, []credentialView{}, nil)
}

func (h *Handlers) DeleteCredential(c *gin.Context) {
	if err := h.Credentials.Delete(c.Param("id")); err != nil {
		RespondInternalError(c, err.Error())
		return
	}
	RespondNoContent(c)
}
