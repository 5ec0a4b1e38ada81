package utils

import "testing"

func TestNormalizeURL(t *testing.T) {
	normalized, domain, err := NormalizeURL("https://Example.com/path?utm_source=test&x=1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if domain != "example.com" {
		t.Fatalf("unexpected domain: %s", domain)
	}
	if normalized != "https://example.com/path?x=1" {
		t.Fatalf("unexpected normalized url: %s", normalized)
	}
}

func TestExtractDomains(t *testing.T) {
	content := "join https://www.Discord.gg/abc and http://evil.example/x?y=1 now"
	domains := ExtractDomains(content)
	if len(domains) != 2 {
		t.Fatalf("expected 2 domains, got %v", domains)
	}
	if domains[0] != "discord.gg" || domains[1] != "evil.example" {
		t.Fatalf("unexpected domains: %v", domains)
	}
}

func TestExtractDomainsSkipsMalformed(t *testing.T) {
	domains := ExtractDomains("bad https://%zz/ good https://ok.example/")
	if len(domains) != 1 || domains[0] != "ok.example" {
		t.Fatalf("expected only ok.example, got %v", domains)
	}
}

func TestExtractDomainsNoLinks(t *testing.T) {
	if domains := ExtractDomains("hello there"); len(domains) != 0 {
		t.Fatalf("expected none, got %v", domains)
	}
}

func TestDomainAllowed(t *testing.T) {
	allow := DomainSet([]string{"www.Good.com", " youtube.com "})
	if !DomainAllowed("good.com", allow) {
		t.Fatalf("expected good.com allowed")
	}
	if !DomainAllowed("www.youtube.com", allow) {
		t.Fatalf("expected youtube.com allowed")
	}
	if DomainAllowed("bad.com", allow) {
		t.Fatalf("expected bad.com rejected")
	}
}
