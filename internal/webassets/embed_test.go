package webassets

import (
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/delivery"
)

func TestPlaceholder_IsValidFS(t *testing.T) {
	if err := fstest.TestFS(Placeholder(), "index.html", "error.html", "site.css"); err != nil {
		t.Fatal(err)
	}
}

func TestPlaceholder_HasDistributionDocuments(t *testing.T) {
	for _, name := range []string{delivery.DefaultRootObject, strings.TrimPrefix(delivery.DefaultErrorPage, "/")} {
		b, err := fs.ReadFile(Placeholder(), name)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if !strings.Contains(string(b), "<html") {
			t.Fatalf("%s is not an html document", name)
		}
	}
}
