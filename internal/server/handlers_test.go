package server

import (
	"net/http"
	"testing"

	"github.com/MarcoPoloResearchLab/slotsync/internal/slots"
	"github.com/gin-gonic/gin"
)

type machinesResponse struct {
	Machines []slots.Machine `json:"machines"`
}

type storesResponse struct {
	Stores []slots.Store `json:"stores"`
}

func TestGroupStoreMachineFlow(t *testing.T) {
	environment := newTestEnvironment(t)
	alice := environment.token(t, "alice", "Alice")
	bob := environment.token(t, "bob", "Bob")
	group := environment.approvedGroup(t, alice, bob)

	createdStore := environment.do(t, http.MethodPost, "/groups/"+group.ID+"/stores", alice, gin.H{"name": "Shinjuku"})
	expectStatus(t, createdStore, http.StatusCreated)
	store := decodeBody[slots.Store](t, createdStore)

	duplicate := environment.do(t, http.MethodPost, "/groups/"+group.ID+"/stores", bob, gin.H{"name": "Shinjuku"})
	expectStatus(t, duplicate, http.StatusConflict)
	if body := decodeBody[map[string]string](t, duplicate); body["error"] != "duplicate_store_name" {
		t.Fatalf("unexpected duplicate response %v", body)
	}

	stores := decodeBody[storesResponse](t, environment.do(t, http.MethodGet, "/groups/"+group.ID+"/stores", bob, nil))
	if len(stores.Stores) != 1 || stores.Stores[0].ID != store.ID {
		t.Fatalf("expected bob to see the group store, got %#v", stores.Stores)
	}

	addedFirst := environment.do(t, http.MethodPost, "/stores/"+store.ID+"/machines", bob, gin.H{"number": "101"})
	expectStatus(t, addedFirst, http.StatusCreated)
	first := decodeBody[slots.Machine](t, addedFirst)
	addedSecond := environment.do(t, http.MethodPost, "/stores/"+store.ID+"/machines", alice, gin.H{"number": "102"})
	expectStatus(t, addedSecond, http.StatusCreated)
	second := decodeBody[slots.Machine](t, addedSecond)
	if first.Status != slots.StatusUnconfirmed || first.SortOrder != 0 || second.SortOrder != 1 {
		t.Fatalf("unexpected initial machines %#v %#v", first, second)
	}

	patched := environment.do(t, http.MethodPatch, "/machines/"+first.ID, alice, gin.H{"status": "present", "first_hit_count": 120})
	expectStatus(t, patched, http.StatusOK)
	updated := decodeBody[slots.Machine](t, patched)
	if updated.Status != slots.StatusPresent || updated.FirstHitCount != 120 || updated.LastUpdatedBy != "alice" {
		t.Fatalf("unexpected patched machine %#v", updated)
	}

	invalid := environment.do(t, http.MethodPatch, "/machines/"+first.ID, alice, gin.H{"status": "jackpot"})
	expectStatus(t, invalid, http.StatusBadRequest)

	listed := decodeBody[machinesResponse](t, environment.do(t, http.MethodGet, "/stores/"+store.ID+"/machines", bob, nil))
	if len(listed.Machines) != 2 {
		t.Fatalf("expected two machines, got %d", len(listed.Machines))
	}
	if listed.Machines[0].ContributorName != "Bob" || listed.Machines[0].LastUpdaterName != "Alice" {
		t.Fatalf("expected attribution names, got %#v", listed.Machines[0])
	}

	reordered := environment.do(t, http.MethodPut, "/stores/"+store.ID+"/order", bob, gin.H{"machine_ids": []string{second.ID, first.ID}})
	expectStatus(t, reordered, http.StatusOK)
	order := decodeBody[machinesResponse](t, reordered)
	if order.Machines[0].ID != second.ID || order.Machines[1].ID != first.ID {
		t.Fatalf("unexpected order after reorder %#v", order.Machines)
	}

	reset := environment.do(t, http.MethodPost, "/stores/"+store.ID+"/reset", bob, nil)
	expectStatus(t, reset, http.StatusOK)
	if decodeBody[resetResponse](t, reset).Reset != 2 {
		t.Fatalf("expected both machines reset, got %s", reset.Body.String())
	}
	afterReset := decodeBody[machinesResponse](t, environment.do(t, http.MethodGet, "/stores/"+store.ID+"/machines", alice, nil))
	for _, machine := range afterReset.Machines {
		if machine.Status != slots.StatusUnconfirmed || machine.FirstHitCount != 0 || machine.Memo != "" {
			t.Fatalf("expected reset machine, got %#v", machine)
		}
	}

	expectStatus(t, environment.do(t, http.MethodDelete, "/machines/"+first.ID, bob, nil), http.StatusNoContent)
	expectStatus(t, environment.do(t, http.MethodDelete, "/stores/"+store.ID, bob, nil), http.StatusForbidden)
	expectStatus(t, environment.do(t, http.MethodDelete, "/stores/"+store.ID, alice, nil), http.StatusNoContent)
	expectStatus(t, environment.do(t, http.MethodGet, "/stores/"+store.ID+"/machines", alice, nil), http.StatusNotFound)
}

func TestOutsiderCannotReadGroupData(t *testing.T) {
	environment := newTestEnvironment(t)
	alice := environment.token(t, "alice", "Alice")
	mallory := environment.token(t, "mallory", "Mallory")
	group := environment.approvedGroup(t, alice)

	store := decodeBody[slots.Store](t, environment.do(t, http.MethodPost, "/groups/"+group.ID+"/stores", alice, gin.H{"name": "Ikebukuro"}))

	expectStatus(t, environment.do(t, http.MethodGet, "/groups/"+group.ID, mallory, nil), http.StatusForbidden)
	expectStatus(t, environment.do(t, http.MethodGet, "/groups/"+group.ID+"/stores", mallory, nil), http.StatusForbidden)
	expectStatus(t, environment.do(t, http.MethodGet, "/stores/"+store.ID+"/machines", mallory, nil), http.StatusForbidden)
	expectStatus(t, environment.do(t, http.MethodPost, "/stores/"+store.ID+"/machines", mallory, gin.H{"number": "7"}), http.StatusForbidden)
}

func TestJoinGroupRequiresApproval(t *testing.T) {
	environment := newTestEnvironment(t)
	alice := environment.token(t, "alice", "Alice")
	bob := environment.token(t, "bob", "Bob")

	group := decodeBody[slots.Group](t, environment.do(t, http.MethodPost, "/groups", alice, gin.H{"name": "Night Shift"}))

	invalid := decodeBody[slots.JoinResult](t, environment.do(t, http.MethodPost, "/groups/join", bob, gin.H{"invite_code": "nope"}))
	if invalid.Success {
		t.Fatalf("expected invalid code to fail, got %#v", invalid)
	}

	joined := decodeBody[slots.JoinResult](t, environment.do(t, http.MethodPost, "/groups/join", bob, gin.H{"invite_code": group.InviteCode}))
	if !joined.Success || joined.GroupName != "Night Shift" {
		t.Fatalf("unexpected join result %#v", joined)
	}
	expectStatus(t, environment.do(t, http.MethodGet, "/groups/"+group.ID+"/stores", bob, nil), http.StatusForbidden)

	members := decodeBody[struct {
		Members []slots.Membership `json:"members"`
	}](t, environment.do(t, http.MethodGet, "/groups/"+group.ID+"/members", alice, nil))
	var pending slots.Membership
	for _, member := range members.Members {
		if member.UserID == "bob" {
			pending = member
		}
	}
	if pending.Status != slots.MembershipPending || pending.DisplayName != "Bob" {
		t.Fatalf("expected pending bob membership, got %#v", pending)
	}
	expectStatus(t, environment.do(t, http.MethodPost, "/groups/"+group.ID+"/members/"+pending.ID+"/approve", bob, nil), http.StatusForbidden)
	expectStatus(t, environment.do(t, http.MethodPost, "/groups/"+group.ID+"/members/"+pending.ID+"/approve", alice, nil), http.StatusOK)

	listed := decodeBody[struct {
		Groups []slots.Group `json:"groups"`
	}](t, environment.do(t, http.MethodGet, "/groups", bob, nil))
	if len(listed.Groups) != 1 || listed.Groups[0].ID != group.ID {
		t.Fatalf("expected bob to list the group, got %#v", listed.Groups)
	}
}

func TestPersonalStoresAreIsolated(t *testing.T) {
	environment := newTestEnvironment(t)
	alice := environment.token(t, "alice", "Alice")
	bob := environment.token(t, "bob", "Bob")

	created := environment.do(t, http.MethodPost, "/stores", alice, gin.H{"name": "Home"})
	expectStatus(t, created, http.StatusCreated)
	store := decodeBody[slots.Store](t, created)

	bobStores := decodeBody[storesResponse](t, environment.do(t, http.MethodGet, "/stores", bob, nil))
	if len(bobStores.Stores) != 0 {
		t.Fatalf("expected bob to see no personal stores, got %#v", bobStores.Stores)
	}
	expectStatus(t, environment.do(t, http.MethodGet, "/stores/"+store.ID+"/machines", bob, nil), http.StatusForbidden)

	machine := decodeBody[slots.Machine](t, environment.do(t, http.MethodPost, "/stores/"+store.ID+"/machines", alice, gin.H{"number": "5"}))
	if machine.ContributorID != "" || machine.GroupID != "" {
		t.Fatalf("expected personal machine without attribution, got %#v", machine)
	}
}

func TestMalformedBodiesAreRejected(t *testing.T) {
	environment := newTestEnvironment(t)
	alice := environment.token(t, "alice", "Alice")

	request := environment.do(t, http.MethodPost, "/groups", alice, "not-an-object")
	expectStatus(t, request, http.StatusBadRequest)
	if body := decodeBody[map[string]string](t, request); body["error"] != "invalid_request" {
		t.Fatalf("unexpected body %v", body)
	}
}
