package token

import "testing"

func TestCovers(t *testing.T) {
	tok := Token{
		Resources: []Resource{
			{Level: LevelStudy, DicomUID: "1.2.840.1", OrthancID: "aa11"},
		},
	}
	seriesTok := Token{
		Resources: []Resource{
			{Level: LevelSeries, DicomUID: "1.2.840.2.1"},
		},
	}

	tests := []struct {
		name string
		tok  Token
		req  AccessRequest
		want bool
	}{
		{
			name: "matching orthanc identifier",
			tok:  tok,
			req:  AccessRequest{Level: LevelStudy, Method: "GET", OrthancID: "aa11"},
			want: true,
		},
		{
			name: "matching dicom uid",
			tok:  tok,
			req:  AccessRequest{Level: LevelStudy, Method: "get", DicomUID: "1.2.840.1"},
			want: true,
		},
		{
			name: "writes are never allowed",
			tok:  tok,
			req:  AccessRequest{Level: LevelStudy, Method: "POST", OrthancID: "aa11"},
			want: false,
		},
		{
			name: "study token covers series access",
			tok:  tok,
			req:  AccessRequest{Level: LevelSeries, Method: "GET", DicomUID: "1.2.840.1.5"},
			want: true,
		},
		{
			name: "study token covers instance access",
			tok:  tok,
			req:  AccessRequest{Level: LevelInstance, Method: "GET", OrthancID: "bb22"},
			want: true,
		},
		{
			name: "series token covers instance but not study",
			tok:  seriesTok,
			req:  AccessRequest{Level: LevelStudy, Method: "GET", DicomUID: "1.2.840.9"},
			want: false,
		},
		{
			name: "series token covers instance",
			tok:  seriesTok,
			req:  AccessRequest{Level: LevelInstance, Method: "GET", DicomUID: "1.2.840.2.1.7"},
			want: true,
		},
		{
			name: "allowed system uri",
			tok:  tok,
			req:  AccessRequest{Level: "system", Method: "GET", URI: "/dicom-web/servers/self/studies"},
			want: true,
		},
		{
			name: "other system uri denied",
			tok:  tok,
			req:  AccessRequest{Level: "system", Method: "GET", URI: "/tools/reset"},
			want: false,
		},
		{
			name: "unrelated resource denied",
			tok:  tok,
			req:  AccessRequest{Level: LevelStudy, Method: "GET", DicomUID: "9.9.9"},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.tok.Covers(tt.req); got != tt.want {
				t.Fatalf("Covers(%+v) = %v, want %v", tt.req, got, tt.want)
			}
		})
	}
}

func TestPolicySetValidate(t *testing.T) {
	if err := DefaultPolicies().Validate(); err != nil {
		t.Fatalf("DefaultPolicies().Validate() = %v", err)
	}

	bad := PolicySet{TypeOHIFPublication: Policy{MaxUses: 0, TTL: 1}}
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for zero max_uses")
	}

	bad = PolicySet{TypeOHIFPublication: Policy{MaxUses: 5, TTL: 0}}
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for zero ttl")
	}

	bad = PolicySet{"": Policy{MaxUses: 5, TTL: 1}}
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for empty token type")
	}
}
