package tracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	jsonx "clawd/internal/shared/json"
)

// gqlServer answers every GraphQL POST by matching a substring of the query.
func gqlServer(t *testing.T, responses map[string]string) (*httptest.Server, *[]gqlRequest) {
	t.Helper()
	var seen []gqlRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req gqlRequest
		if err := jsonx.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		seen = append(seen, req)
		for fragment, body := range responses {
			if strings.Contains(req.Query, fragment) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(body))
				return
			}
		}
		t.Errorf("no canned response for query %q", req.Query)
	}))
	return srv, &seen
}

func TestGetViewerID_CachesAcrossCalls(t *testing.T) {
	srv, seen := gqlServer(t, map[string]string{
		"viewer": `{"data":{"viewer":{"id":"app-user-1"}}}`,
	})
	defer srv.Close()

	c := NewGraphQLClient(srv.URL, "token", nil)
	for i := 0; i < 3; i++ {
		id, err := c.GetViewerID(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if id != "app-user-1" {
			t.Fatalf("unexpected viewer id %q", id)
		}
	}
	if len(*seen) != 1 {
		t.Fatalf("expected 1 request, got %d", len(*seen))
	}
}

func TestGetIssueDetails_FlattensNodes(t *testing.T) {
	srv, _ := gqlServer(t, map[string]string{
		"issue(id:": `{"data":{"issue":{
			"id":"iss-1","identifier":"ENG-42","title":"Fix flaky retry",
			"description":"retries never back off","url":"https://tracker/ENG-42",
			"branchName":"eng-42-fix-flaky-retry","priority":2,"estimate":3,
			"state":{"id":"st-1","name":"Todo","type":"unstarted"},
			"team":{"id":"team-1","key":"ENG","name":"Engineering"},
			"labels":{"nodes":[{"id":"lb-1","name":"Claw"}]},
			"comments":{"nodes":[{"id":"cm-1","body":"@claw implement this","createdAt":"2026-02-01T10:00:00Z","user":{"id":"u-1","name":"sam","displayName":"Sam"}}]},
			"project":{"id":"prj-1","name":"Reliability"},
			"creator":{"id":"u-1","name":"sam","displayName":"Sam"}
		}}}`,
	})
	defer srv.Close()

	c := NewGraphQLClient(srv.URL, "token", nil)
	issue, err := c.GetIssueDetails(context.Background(), "iss-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if issue.Identifier != "ENG-42" {
		t.Fatalf("unexpected identifier %q", issue.Identifier)
	}
	if !issue.HasLabel("Claw") {
		t.Fatal("expected Claw label")
	}
	if len(issue.Comments) != 1 || issue.Comments[0].UserName != "Sam" {
		t.Fatalf("unexpected comments %+v", issue.Comments)
	}
	if issue.Project == nil || issue.Project.Name != "Reliability" {
		t.Fatalf("unexpected project %+v", issue.Project)
	}
	if issue.Estimate == nil || *issue.Estimate != 3 {
		t.Fatalf("unexpected estimate %+v", issue.Estimate)
	}
}

func TestGetIssueDetails_MissingIssue(t *testing.T) {
	srv, _ := gqlServer(t, map[string]string{
		"issue(id:": `{"data":{"issue":null}}`,
	})
	defer srv.Close()

	c := NewGraphQLClient(srv.URL, "token", nil)
	if _, err := c.GetIssueDetails(context.Background(), "gone"); err == nil {
		t.Fatal("expected error for missing issue")
	}
}

func TestCreateComment_SendsIdentityOpts(t *testing.T) {
	srv, seen := gqlServer(t, map[string]string{
		"commentCreate": `{"data":{"commentCreate":{"success":true,"comment":{"id":"cm-9"}}}}`,
	})
	defer srv.Close()

	c := NewGraphQLClient(srv.URL, "token", nil)
	id, err := c.CreateComment(context.Background(), "iss-1", "done", &CommentOpts{
		CreateAsUser:   "claw-worker",
		DisplayIconURL: "https://icons/claw.png",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "cm-9" {
		t.Fatalf("unexpected comment id %q", id)
	}
	input, ok := (*seen)[0].Variables["input"].(map[string]any)
	if !ok {
		t.Fatalf("missing input variables: %+v", (*seen)[0].Variables)
	}
	if input["createAsUser"] != "claw-worker" {
		t.Fatalf("unexpected createAsUser %v", input["createAsUser"])
	}
	if input["displayIconUrl"] != "https://icons/claw.png" {
		t.Fatalf("unexpected displayIconUrl %v", input["displayIconUrl"])
	}
}

func TestUpdateIssue_EmptyPatchSkipsRequest(t *testing.T) {
	srv, seen := gqlServer(t, nil)
	defer srv.Close()

	c := NewGraphQLClient(srv.URL, "token", nil)
	if err := c.UpdateIssue(context.Background(), "iss-1", IssuePatch{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(*seen) != 0 {
		t.Fatalf("expected no requests, got %d", len(*seen))
	}
}

func TestCreateSessionOnIssue_DeclineIsNotError(t *testing.T) {
	srv, _ := gqlServer(t, map[string]string{
		"agentSessionCreateOnIssue": `{"data":{"agentSessionCreateOnIssue":{"success":false,"agentSession":{"id":""}}}}`,
	})
	defer srv.Close()

	c := NewGraphQLClient(srv.URL, "token", nil)
	id, err := c.CreateSessionOnIssue(context.Background(), "iss-1")
	if err != nil {
		t.Fatalf("decline should not error: %v", err)
	}
	if id != "" {
		t.Fatalf("expected empty session id, got %q", id)
	}
}

func TestDo_SurfacesGraphQLErrors(t *testing.T) {
	srv, _ := gqlServer(t, map[string]string{
		"viewer": `{"data":null,"errors":[{"message":"rate limited"},{"message":"try later"}]}`,
	})
	defer srv.Close()

	c := NewGraphQLClient(srv.URL, "token", nil)
	_, err := c.GetViewerID(context.Background())
	if err == nil {
		t.Fatal("expected graphql error")
	}
	if !strings.Contains(err.Error(), "rate limited") || !strings.Contains(err.Error(), "try later") {
		t.Fatalf("unexpected error text: %v", err)
	}
}

func TestWebhookLifecycle_AgainstFake(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	id, err := f.CreateWebhook(ctx, "https://claw.example/webhook", "claw", []string{"Comment", "Issue"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	hooks, _ := f.ListWebhooks(ctx)
	if len(hooks) != 1 || hooks[0].URL != "https://claw.example/webhook" {
		t.Fatalf("unexpected webhooks %+v", hooks)
	}
	if err := f.UpdateWebhook(ctx, id, "https://claw.example/v2", true); err != nil {
		t.Fatalf("update: %v", err)
	}
	hooks, _ = f.ListWebhooks(ctx)
	if hooks[0].URL != "https://claw.example/v2" {
		t.Fatalf("url not updated: %+v", hooks[0])
	}
	if err := f.DeleteWebhook(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if hooks, _ = f.ListWebhooks(ctx); len(hooks) != 0 {
		t.Fatalf("expected empty list, got %+v", hooks)
	}
}

func TestFindReviewState(t *testing.T) {
	states := []WorkflowState{
		{ID: "1", Name: "Todo", Type: StateTypeUnstarted},
		{ID: "2", Name: "In Progress", Type: StateTypeStarted},
		{ID: "3", Name: "In Review", Type: StateTypeStarted},
		{ID: "4", Name: "Done", Type: StateTypeCompleted},
	}
	st, ok := FindReviewState(states)
	if !ok || st.ID != "3" {
		t.Fatalf("expected In Review, got %+v ok=%v", st, ok)
	}

	noReview := []WorkflowState{
		{ID: "1", Name: "Todo", Type: StateTypeUnstarted},
		{ID: "2", Name: "Doing", Type: StateTypeStarted},
	}
	if _, ok := FindReviewState(noReview); ok {
		t.Fatal("expected no review state")
	}
}
