package addrnorm

import "testing"

func addrFuncTest(t *testing.T, f func(string) (string, error)) func(in, wantOut string, fail bool) {
	return func(in, wantOut string, fail bool) {
		t.Helper()

		out, err := f(in)
		if err != nil {
			if !fail {
				t.Errorf("Unexpected failure: %v", err)
			}
		}
		if out != wantOut {
			t.Errorf("Wrong result: want %q, got %q", wantOut, out)
		}
	}
}

func TestToASCII(t *testing.T) {
	test := addrFuncTest(t, ToASCII)
	test("example.org", "example.org", false)
	test("EXAMPLE.org", "example.org", false)
	test("тест.example.org", "xn--e1aybc.example.org", false)
	test("xn--e1aybc.example.org", "xn--e1aybc.example.org", false)
}

func TestNormalize_FoldsDomainToASCII(t *testing.T) {
	test := func(in, wantOut string) {
		t.Helper()
		out := Normalize(in)
		if out != wantOut {
			t.Errorf("Normalize(%q) = %q, want %q", in, out, wantOut)
		}
	}

	test("test@example.org", "test@example.org")
	test("test@EXAMPLE.org", "test@example.org")
	test("test@тест.example.org", "test@xn--e1aybc.example.org")
	test("tESt@тест.example.org", "tESt@xn--e1aybc.example.org")
	test("postmaster", "postmaster")
	test("no-at-sign", "")
}

func TestNormalize_DomainIsPureASCII(t *testing.T) {
	for _, in := range []string{
		"user@example.org",
		"user@тест.example.org",
		"user@xn--e1aybc.example.org",
	} {
		out := Normalize(in)
		if out == "" {
			t.Fatalf("Normalize(%q) unexpectedly failed", in)
		}
		_, domain, err := Split(out)
		if err != nil {
			t.Fatalf("Split(%q): %v", out, err)
		}
		for _, r := range domain {
			if r > 0x7F {
				t.Fatalf("Normalize(%q) = %q, domain part is not pure ASCII", in, out)
			}
		}
	}
}

func TestCleanDomain(t *testing.T) {
	test := addrFuncTest(t, CleanDomain)
	test("test@example.org", "test@example.org", false)
	test("whateveR@example.org", "whateveR@example.org", false)
	test("test@EXAMPLE.org", "test@example.org", false)
	test("test@тест.example.org", "test@xn--e1aybc.example.org", false)
	test("tESt@", "", true)
	test("postmaster", "postmaster", false)
}

func TestEqual(t *testing.T) {
	test := func(in1, in2 string, wantEq bool) {
		t.Helper()
		eq := Equal(in1, in2)
		if eq != wantEq {
			t.Errorf("Want Equal(%s, %s) == %v, got %v", in1, in2, wantEq, eq)
		}
	}

	test("test@example.org", "test@example.org", true)
	test("test2@example.org", "test@example.org", false)
	test("TEST2@example.org", "TesT2@example.org", true)
	test("test@тест.example.org", "test@xn--e1aybc.example.org", true)
}
