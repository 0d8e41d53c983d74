package storage

import "testing"

func TestNewClientRequiresBucket(t *testing.T) {
	if _, err := NewClient(Config{Endpoint: "localhost:9000"}); err == nil {
		t.Fatal("expected error for empty bucket")
	}
}

func TestPublicURLDefaultsToEndpointAndBucket(t *testing.T) {
	client, err := NewClient(Config{
		Endpoint: "localhost:9000",
		Access:   "minioadmin",
		Secret:   "minioadmin",
		Bucket:   "renders",
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	got := client.PublicURL("renders/job-1/output.mp4")
	want := "http://localhost:9000/renders/renders/job-1/output.mp4"
	if got != want {
		t.Fatalf("PublicURL() = %q, want %q", got, want)
	}
}

func TestPublicURLUsesConfiguredBase(t *testing.T) {
	client, err := NewClient(Config{
		Endpoint:      "minio.internal:9000",
		Bucket:        "renders",
		UseSSL:        true,
		PublicBaseURL: "https://cdn.example.com/media/",
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	got := client.PublicURL("renders/job 1/thumb-0.jpeg")
	want := "https://cdn.example.com/media/renders/job%201/thumb-0.jpeg"
	if got != want {
		t.Fatalf("PublicURL() = %q, want %q", got, want)
	}
}
