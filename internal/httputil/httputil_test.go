package httputil

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestParsePage(t *testing.T) {
	tests := []struct {
		query   string
		want    Page
		wantErr bool
	}{
		{query: "", want: Page{Number: 1, PerPage: DefaultPerPage}},
		{query: "page=3&per_page=50", want: Page{Number: 3, PerPage: 50}},
		{query: "page=-2", want: Page{Number: 1, PerPage: DefaultPerPage}},
		{query: "page=abc", wantErr: true},
		{query: "per_page=0", wantErr: true},
		{query: "per_page=101", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			q, _ := url.ParseQuery(tt.query)
			got, err := ParsePage(q)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestPageMeta(t *testing.T) {
	p := Page{Number: 2, PerPage: 20}
	if m := p.Meta(41); m.TotalPages != 3 || m.Total != 41 || m.Page != 2 {
		t.Fatalf("unexpected meta: %+v", m)
	}
	if m := p.Meta(0); m.TotalPages != 0 {
		t.Fatalf("expected no pages for an empty list: %+v", m)
	}
}

func TestDecodeJSON(t *testing.T) {
	var dst struct {
		Name string `json:"name"`
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"wallet"}`))
	if err := DecodeJSON(httptest.NewRecorder(), req, &dst); err != nil || dst.Name != "wallet" {
		t.Fatalf("decode: name=%q err=%v", dst.Name, err)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	if err := DecodeJSON(httptest.NewRecorder(), req, &dst); err == nil || !strings.Contains(err.Error(), "empty") {
		t.Fatalf("expected empty body error, got %v", err)
	}

	big := `{"name":"` + strings.Repeat("a", MaxBodyBytes) + `"}`
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(big))
	if err := DecodeJSON(httptest.NewRecorder(), req, &dst); err == nil || !strings.Contains(err.Error(), "exceeds") {
		t.Fatalf("expected size error, got %v", err)
	}
}

func TestRespondError(t *testing.T) {
	rr := httptest.NewRecorder()
	RespondError(rr, http.StatusTeapot, "teapot", "short and stout")

	if rr.Code != http.StatusTeapot {
		t.Fatalf("unexpected status %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if body := strings.TrimSpace(rr.Body.String()); body != `{"error":"teapot","message":"short and stout"}` {
		t.Fatalf("unexpected body %s", body)
	}
}
