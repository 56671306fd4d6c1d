package domain

import "testing"

func TestPrincipalOwns(t *testing.T) {
	alice := "user_alice"
	bob := "user_bob"

	if !(Principal{UserID: alice}).Owns(&alice) {
		t.Fatal("user should own their record")
	}
	if (Principal{UserID: alice}).Owns(&bob) {
		t.Fatal("user must not own another user's record")
	}
	if (Principal{UserID: alice}).Owns(nil) {
		t.Fatal("user must not own an unassigned record")
	}
	if !(Principal{Service: true}).Owns(&bob) {
		t.Fatal("service principal without user sees every record")
	}
	if (Principal{}).Owns(&bob) {
		t.Fatal("anonymous principal owns nothing")
	}
}
