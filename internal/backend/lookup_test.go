package backend

import (
	"encoding/json"
	"reflect"
	"testing"
)

func decode(t *testing.T, s string) any {
	t.Helper()
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		t.Fatal(err)
	}
	return v
}

func TestLookup(t *testing.T) {
	doc := decode(t, `{"data":{"status":"RUNNING","progress":42},"images":[{"url":"u0"},{"url":"u1"}],"nsfw":true}`)

	tests := []struct {
		path string
		want any
		ok   bool
	}{
		{"data.status", "RUNNING", true},
		{"images.1.url", "u1", true},
		{"images.2.url", nil, false},
		{"data.missing", nil, false},
		{"data.status.deeper", nil, false},
	}
	for _, tt := range tests {
		got, ok := Lookup(doc, tt.path)
		if ok != tt.ok || !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Lookup(%q) = %v, %v; want %v, %v", tt.path, got, ok, tt.want, tt.ok)
		}
	}

	if s, key := LookupString(doc, []string{"status", "data.progress"}); s != "42" || key != "data.progress" {
		t.Errorf("LookupString = %q via %q", s, key)
	}
	if refs, _ := LookupStrings(doc, []string{"images"}); !reflect.DeepEqual(refs, []string{"u0", "u1"}) {
		t.Errorf("LookupStrings = %v", refs)
	}
	if !LookupBool(doc, []string{"result.nsfw", "nsfw"}) {
		t.Error("LookupBool should find nsfw=true")
	}
}
