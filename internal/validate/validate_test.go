package validate

import "testing"

func TestFolderNameRejects(t *testing.T) {
	cases := []string{"", "../Inbox", `Inbox\Sub`, "Inbox\x00"}
	for _, c := range cases {
		if err := FolderName(c); err == nil {
			t.Fatalf("expected FolderName(%q) to fail", c)
		}
	}
}

func TestFolderNameAllowsHierarchy(t *testing.T) {
	for _, name := range []string{"INBOX", "INBOX/Archive", "Work/2026/Q1"} {
		if err := FolderName(name); err != nil {
			t.Fatalf("FolderName(%q): %v", name, err)
		}
	}
}

func TestPathComponentRejectsTraversal(t *testing.T) {
	cases := []string{"../etc/passwd", "a/b", `a\b`, "..", ""}
	for _, c := range cases {
		if _, err := PathComponent(c); err == nil {
			t.Fatalf("expected PathComponent(%q) to fail", c)
		}
	}
}

func TestPathComponentStripsControlBytes(t *testing.T) {
	got, err := PathComponent("report\x00.pdf")
	if err != nil {
		t.Fatalf("PathComponent: %v", err)
	}
	if got == "report\x00.pdf" {
		t.Fatal("expected control byte to be replaced")
	}
}
