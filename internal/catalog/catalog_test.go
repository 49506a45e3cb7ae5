package catalog

import "testing"

func TestResolveExactMatch(t *testing.T) {
	c := Build([]Entry{
		{Container: "A", Name: "f", FilePath: "a.sol", StartLine: 10, Body: "body-f"},
		{Container: "A", Name: "g", FilePath: "a.sol", StartLine: 20, Body: "body-g"},
	})

	res := c.Resolve("A.f")
	if res.Status != ResolveMatched {
		t.Fatalf("expected matched, got %v", res.Status)
	}
	if res.Entry.Body != "body-f" {
		t.Fatalf("expected body-f, got %q", res.Entry.Body)
	}
}

func TestResolveMissing(t *testing.T) {
	c := Build([]Entry{{Container: "A", Name: "f"}})
	res := c.Resolve("B.unknown")
	if res.Status != ResolveMissing {
		t.Fatalf("expected missing, got %v", res.Status)
	}
}

func TestResolveAmbiguousPicksDeterministicFirst(t *testing.T) {
	c := Build([]Entry{
		{Container: "A", Name: "f", FilePath: "z.sol", StartLine: 5, Body: "z-body"},
		{Container: "A", Name: "f", FilePath: "a.sol", StartLine: 50, Body: "a-body"},
	})

	res := c.Resolve("A.f")
	if res.Status != ResolveAmbiguous {
		t.Fatalf("expected ambiguous, got %v", res.Status)
	}
	if res.Entry.FilePath != "a.sol" {
		t.Fatalf("expected deterministic pick by file path, got %s", res.Entry.FilePath)
	}
}

func TestResolveNormalizesReceiverAliases(t *testing.T) {
	c := Build([]Entry{{Container: "Token", Name: "constructor", Body: "ctor-body"}})

	res := c.Resolve("Token.ctor")
	if res.Status != ResolveMatched || res.Entry.Body != "ctor-body" {
		t.Fatalf("expected 'ctor' alias to resolve to constructor entry, got %+v", res)
	}

	res2 := c.Resolve("Token.fallback")
	if res2.Status == ResolveMatched {
		t.Fatalf("fallback should not match a constructor-only catalog")
	}
}

func TestResolveSignatureExactPreferred(t *testing.T) {
	c := Build([]Entry{
		{Container: "A", Name: "f", Signature: "uint256", FilePath: "a.sol", StartLine: 1, Body: "uint-variant"},
		{Container: "A", Name: "f", Signature: "address", FilePath: "a.sol", StartLine: 2, Body: "address-variant"},
	})

	res := c.Resolve("A.f(address)")
	if res.Status != ResolveMatched || res.Entry.Body != "address-variant" {
		t.Fatalf("expected exact signature match to address-variant, got %+v", res)
	}
}

func TestContainsTreatsAmbiguousAsMember(t *testing.T) {
	c := Build([]Entry{
		{Container: "A", Name: "f", FilePath: "a.sol", StartLine: 1},
		{Container: "A", Name: "f", FilePath: "b.sol", StartLine: 1},
	})
	if !c.Contains("A.f") {
		t.Fatalf("expected ambiguous ref to count as contained")
	}
	if c.Contains("A.missing") {
		t.Fatalf("expected unknown ref to not be contained")
	}
}

func TestLenAndList(t *testing.T) {
	c := Build([]Entry{{Container: "A", Name: "f"}, {Container: "A", Name: "g"}})
	if c.Len() != 2 {
		t.Fatalf("expected len 2, got %d", c.Len())
	}
	if len(c.List()) != 2 {
		t.Fatalf("expected 2 entries from List()")
	}
}

func TestLoadEntriesParsesTreeSitterOutput(t *testing.T) {
	raw := []byte(`[{"container":"A","name":"f","file_path":"a.sol","start_line":1,"end_line":5,"visibility":"external","body":"function f() {}"}]`)
	entries, err := LoadEntries(raw)
	if err != nil {
		t.Fatalf("LoadEntries: %v", err)
	}
	if len(entries) != 1 || entries[0].CanonicalID() != "A.f" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestLoadEntriesRejectsMalformedJSON(t *testing.T) {
	if _, err := LoadEntries([]byte(`not json`)); err == nil {
		t.Fatalf("expected parse error")
	}
}
