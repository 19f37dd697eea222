package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/slotsync/internal/slots"
	"github.com/gin-gonic/gin"
)

type displayNameRequest struct {
	DisplayName string `json:"display_name"`
}

type nameRequest struct {
	Name string `json:"name"`
}

type joinRequest struct {
	InviteCode string `json:"invite_code"`
}

type addMachineRequest struct {
	Number string `json:"number"`
}

type reorderRequest struct {
	MachineIDs []string `json:"machine_ids"`
}

type resetResponse struct {
	Reset int64 `json:"reset"`
}

func (h *httpHandler) handleGetProfile(c *gin.Context) {
	profile, err := h.users.GetProfile(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *httpHandler) handleUpdateProfile(c *gin.Context) {
	var request displayNameRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c)
		return
	}
	profile, err := h.users.UpdateDisplayName(c.Request.Context(), c.GetString(userIDContextKey), request.DisplayName)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *httpHandler) handleListGroups(c *gin.Context) {
	groups, err := h.slots.ListGroups(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": nonNil(groups)})
}

func (h *httpHandler) handleCreateGroup(c *gin.Context) {
	var request nameRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c)
		return
	}
	group, err := h.slots.CreateGroup(c.Request.Context(), c.GetString(userIDContextKey), request.Name)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, group)
}

func (h *httpHandler) handleJoinGroup(c *gin.Context) {
	var request joinRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c)
		return
	}
	result, err := h.slots.JoinGroupByCode(c.Request.Context(), c.GetString(userIDContextKey), request.InviteCode)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleGetGroup(c *gin.Context) {
	group, err := h.slots.GetGroup(c.Request.Context(), c.GetString(userIDContextKey), c.Param("groupId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, group)
}

func (h *httpHandler) handleDeleteGroup(c *gin.Context) {
	if err := h.slots.DeleteGroup(c.Request.Context(), c.GetString(userIDContextKey), c.Param("groupId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListMembers(c *gin.Context) {
	members, err := h.slots.ListMembers(c.Request.Context(), c.GetString(userIDContextKey), c.Param("groupId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": nonNil(members)})
}

func (h *httpHandler) handleApproveMember(c *gin.Context) {
	member, err := h.slots.ApproveMember(c.Request.Context(), c.GetString(userIDContextKey), c.Param("groupId"), c.Param("memberId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, member)
}

func (h *httpHandler) handleRejectMember(c *gin.Context) {
	member, err := h.slots.RejectMember(c.Request.Context(), c.GetString(userIDContextKey), c.Param("groupId"), c.Param("memberId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, member)
}

func (h *httpHandler) handleRemoveMember(c *gin.Context) {
	if err := h.slots.RemoveMember(c.Request.Context(), c.GetString(userIDContextKey), c.Param("groupId"), c.Param("memberId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListGroupStores(c *gin.Context) {
	h.listStores(c, slots.GroupScope(c.Param("groupId")))
}

func (h *httpHandler) handleCreateGroupStore(c *gin.Context) {
	h.createStore(c, slots.GroupScope(c.Param("groupId")))
}

func (h *httpHandler) handleListPersonalStores(c *gin.Context) {
	h.listStores(c, slots.PersonalScope(c.GetString(userIDContextKey)))
}

func (h *httpHandler) handleCreatePersonalStore(c *gin.Context) {
	h.createStore(c, slots.PersonalScope(c.GetString(userIDContextKey)))
}

func (h *httpHandler) listStores(c *gin.Context, scope slots.Scope) {
	stores, err := h.slots.ListStores(c.Request.Context(), c.GetString(userIDContextKey), scope)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stores": nonNil(stores)})
}

func (h *httpHandler) createStore(c *gin.Context, scope slots.Scope) {
	var request nameRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c)
		return
	}
	store, err := h.slots.CreateStore(c.Request.Context(), c.GetString(userIDContextKey), scope, request.Name)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, store)
}

func (h *httpHandler) handleDeleteStore(c *gin.Context) {
	if err := h.slots.DeleteStore(c.Request.Context(), c.GetString(userIDContextKey), c.Param("storeId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListMachines(c *gin.Context) {
	machines, err := h.slots.ListMachines(c.Request.Context(), c.GetString(userIDContextKey), c.Param("storeId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"machines": nonNil(machines)})
}

func (h *httpHandler) handleAddMachine(c *gin.Context) {
	var request addMachineRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c)
		return
	}
	machine, err := h.slots.AddMachine(c.Request.Context(), c.GetString(userIDContextKey), c.Param("storeId"), request.Number)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, machine)
}

func (h *httpHandler) handleResetStore(c *gin.Context) {
	affected, err := h.slots.ResetStoreMachines(c.Request.Context(), c.GetString(userIDContextKey), c.Param("storeId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resetResponse{Reset: affected})
}

func (h *httpHandler) handleReorderMachines(c *gin.Context) {
	var request reorderRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c)
		return
	}
	machines, err := h.slots.ReorderMachines(c.Request.Context(), c.GetString(userIDContextKey), c.Param("storeId"), request.MachineIDs)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"machines": nonNil(machines)})
}

func (h *httpHandler) handleUpdateMachine(c *gin.Context) {
	var patch slots.MachinePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c)
		return
	}
	machine, err := h.slots.UpdateMachine(c.Request.Context(), c.GetString(userIDContextKey), c.Param("machineId"), patch)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, machine)
}

func (h *httpHandler) handleDeleteMachine(c *gin.Context) {
	if err := h.slots.DeleteMachine(c.Request.Context(), c.GetString(userIDContextKey), c.Param("machineId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
