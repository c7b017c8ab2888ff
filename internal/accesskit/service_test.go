package accesskit

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

type serviceFixture struct {
	service *AccessService
	shops   *MemoryShopStore
	keysets *MemoryKeysetStore
	metrics *CounterMetrics
	clock   fixedClock
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	shops := NewMemoryShopStore()
	keysets := NewMemoryKeysetStore()
	metrics := NewCounterMetrics()
	clock := fixedClock{current: time.Unix(1700000000, 0).UTC()}
	return &serviceFixture{
		service: NewAccessService(shops, keysets, clock, nil, metrics, bcrypt.MinCost),
		shops:   shops,
		keysets: keysets,
		metrics: metrics,
		clock:   clock,
	}
}

func (fixture *serviceFixture) signUp(t *testing.T) AuthResult {
	t.Helper()
	result, err := fixture.service.SignUp(context.Background(), "Corner Store", "owner@example.com", "hunter22")
	if err != nil {
		t.Fatalf("sign-up error: %v", err)
	}
	return result
}

func TestSignUpIssuesWorkingCredentials(t *testing.T) {
	fixture := newServiceFixture(t)
	result := fixture.signUp(t)

	if result.Shop.ID == "" {
		t.Fatalf("expected generated shop id")
	}
	if result.Shop.Email != "owner@example.com" {
		t.Fatalf("unexpected email %q", result.Shop.Email)
	}
	if result.Tokens.AccessToken == "" || result.Tokens.RefreshToken == "" {
		t.Fatalf("expected both tokens, got %+v", result.Tokens)
	}

	keyset, keysetErr := fixture.keysets.FindByShop(context.Background(), result.Shop.ID)
	if keysetErr != nil {
		t.Fatalf("keyset error: %v", keysetErr)
	}
	if keyset.RefreshToken != result.Tokens.RefreshToken {
		t.Fatalf("keyset must track the issued refresh token")
	}
	if _, err := VerifyToken(fixture.clock, result.Tokens.AccessToken, keyset.AccessSecret); err != nil {
		t.Fatalf("access token must verify against stored access secret: %v", err)
	}
	if _, err := VerifyToken(fixture.clock, result.Tokens.RefreshToken, keyset.RefreshSecret); err != nil {
		t.Fatalf("refresh token must verify against stored refresh secret: %v", err)
	}
	if fixture.metrics.Count(MetricSignUpSuccess) != 1 {
		t.Fatalf("expected sign-up success metric")
	}
}

func TestSignUpRejectsDuplicateEmail(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.signUp(t)

	_, err := fixture.service.SignUp(context.Background(), "Other Store", "Owner@Example.com", "hunter22")
	if KindOf(err) != KindConflict {
		t.Fatalf("expected conflict, got kind %v (%v)", KindOf(err), err)
	}
	if fixture.metrics.Count(MetricSignUpConflict) != 1 {
		t.Fatalf("expected sign-up conflict metric")
	}
}

func TestSignUpRejectsMissingFields(t *testing.T) {
	fixture := newServiceFixture(t)
	cases := []struct {
		name, email, password string
	}{
		{"", "owner@example.com", "hunter22"},
		{"Corner Store", "", "hunter22"},
		{"Corner Store", "owner@example.com", ""},
	}
	for _, testCase := range cases {
		_, err := fixture.service.SignUp(context.Background(), testCase.name, testCase.email, testCase.password)
		if KindOf(err) != KindBadRequest {
			t.Fatalf("expected bad request for %+v, got %v", testCase, err)
		}
	}
}

func TestLoginRotatesSecretsAndInvalidatesOldTokens(t *testing.T) {
	fixture := newServiceFixture(t)
	first := fixture.signUp(t)

	firstKeyset, firstErr := fixture.keysets.FindByShop(context.Background(), first.Shop.ID)
	if firstErr != nil {
		t.Fatalf("keyset error: %v", firstErr)
	}

	second, loginErr := fixture.service.Login(context.Background(), "owner@example.com", "hunter22")
	if loginErr != nil {
		t.Fatalf("login error: %v", loginErr)
	}

	secondKeyset, secondErr := fixture.keysets.FindByShop(context.Background(), first.Shop.ID)
	if secondErr != nil {
		t.Fatalf("keyset error: %v", secondErr)
	}
	if secondKeyset.AccessSecret == firstKeyset.AccessSecret {
		t.Fatalf("login must rotate the access secret")
	}
	if secondKeyset.RefreshSecret == firstKeyset.RefreshSecret {
		t.Fatalf("login must rotate the refresh secret")
	}
	if _, err := VerifyToken(fixture.clock, first.Tokens.AccessToken, secondKeyset.AccessSecret); err == nil {
		t.Fatalf("pre-login access token must stop verifying")
	}
	if _, err := VerifyToken(fixture.clock, second.Tokens.AccessToken, secondKeyset.AccessSecret); err != nil {
		t.Fatalf("fresh access token must verify: %v", err)
	}

	// The old session's refresh token is simply forgotten, not marked used.
	if _, err := fixture.service.Refresh(context.Background(), first.Tokens.RefreshToken); KindOf(err) != KindAuthFailure {
		t.Fatalf("expected auth failure for the stale refresh token, got %v", err)
	}
}

func TestLoginRejectsUnknownShopAndBadPassword(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.signUp(t)

	if _, err := fixture.service.Login(context.Background(), "nobody@example.com", "hunter22"); KindOf(err) != KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := fixture.service.Login(context.Background(), "owner@example.com", "wrong"); KindOf(err) != KindBadRequest {
		t.Fatalf("expected bad request for bad password, got %v", err)
	}
	if fixture.metrics.Count(MetricLoginRejected) != 2 {
		t.Fatalf("expected two rejected logins, got %d", fixture.metrics.Count(MetricLoginRejected))
	}
}

func TestRefreshRotatesTokenButKeepsSecrets(t *testing.T) {
	fixture := newServiceFixture(t)
	initial := fixture.signUp(t)

	before, beforeErr := fixture.keysets.FindByShop(context.Background(), initial.Shop.ID)
	if beforeErr != nil {
		t.Fatalf("keyset error: %v", beforeErr)
	}

	refreshed, refreshErr := fixture.service.Refresh(context.Background(), initial.Tokens.RefreshToken)
	if refreshErr != nil {
		t.Fatalf("refresh error: %v", refreshErr)
	}
	if refreshed.Tokens.RefreshToken == initial.Tokens.RefreshToken {
		t.Fatalf("refresh must mint a new refresh token")
	}
	if refreshed.Shop.ID != initial.Shop.ID {
		t.Fatalf("unexpected shop %q", refreshed.Shop.ID)
	}

	after, afterErr := fixture.keysets.FindByShop(context.Background(), initial.Shop.ID)
	if afterErr != nil {
		t.Fatalf("keyset error: %v", afterErr)
	}
	if after.AccessSecret != before.AccessSecret || after.RefreshSecret != before.RefreshSecret {
		t.Fatalf("refresh must not change signing secrets")
	}
	if after.RefreshToken != refreshed.Tokens.RefreshToken {
		t.Fatalf("keyset must track the new refresh token")
	}
	if len(after.UsedRefreshTokens) != 1 || after.UsedRefreshTokens[0] != initial.Tokens.RefreshToken {
		t.Fatalf("old token must land in the used set, got %v", after.UsedRefreshTokens)
	}
	if fixture.metrics.Count(MetricRefreshSuccess) != 1 {
		t.Fatalf("expected refresh success metric")
	}
}

func TestRefreshReuseDestroysKeyset(t *testing.T) {
	fixture := newServiceFixture(t)
	initial := fixture.signUp(t)

	refreshed, refreshErr := fixture.service.Refresh(context.Background(), initial.Tokens.RefreshToken)
	if refreshErr != nil {
		t.Fatalf("refresh error: %v", refreshErr)
	}

	// Presenting the rotated-out token again is treated as theft.
	_, reuseErr := fixture.service.Refresh(context.Background(), initial.Tokens.RefreshToken)
	if KindOf(reuseErr) != KindForbidden {
		t.Fatalf("expected forbidden on reuse, got %v", reuseErr)
	}
	if fixture.metrics.Count(MetricRefreshReuse) != 1 {
		t.Fatalf("expected reuse metric")
	}

	if _, err := fixture.keysets.FindByShop(context.Background(), initial.Shop.ID); !errors.Is(err, ErrKeysetNotFound) {
		t.Fatalf("keyset must be destroyed after reuse, got %v", err)
	}

	// The legitimate holder's chain goes dark with it.
	if _, err := fixture.service.Refresh(context.Background(), refreshed.Tokens.RefreshToken); KindOf(err) != KindAuthFailure {
		t.Fatalf("expected auth failure for the surviving chain, got %v", err)
	}
}

func TestRefreshRejectsUnknownAndEmptyTokens(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.signUp(t)

	if _, err := fixture.service.Refresh(context.Background(), ""); KindOf(err) != KindAuthFailure {
		t.Fatalf("expected auth failure for empty token, got %v", err)
	}
	if _, err := fixture.service.Refresh(context.Background(), "never-issued"); KindOf(err) != KindAuthFailure {
		t.Fatalf("expected auth failure for unknown token, got %v", err)
	}
}

func TestRefreshRejectsExpiredToken(t *testing.T) {
	shops := NewMemoryShopStore()
	keysets := NewMemoryKeysetStore()
	issueClock := fixedClock{current: time.Unix(1700000000, 0).UTC()}
	issueService := NewAccessService(shops, keysets, issueClock, nil, nil, bcrypt.MinCost)

	initial, signUpErr := issueService.SignUp(context.Background(), "Corner Store", "owner@example.com", "hunter22")
	if signUpErr != nil {
		t.Fatalf("sign-up error: %v", signUpErr)
	}

	lateClock := fixedClock{current: issueClock.current.Add(RefreshTokenTTL + time.Hour)}
	lateService := NewAccessService(shops, keysets, lateClock, nil, nil, bcrypt.MinCost)

	_, refreshErr := lateService.Refresh(context.Background(), initial.Tokens.RefreshToken)
	if KindOf(refreshErr) != KindAuthFailure {
		t.Fatalf("expected auth failure for expired token, got %v", refreshErr)
	}
	if CodeOf(refreshErr) != "access.refresh.invalid_token" {
		t.Fatalf("unexpected code %q", CodeOf(refreshErr))
	}
}

func TestLogoutDestroysSessionOnce(t *testing.T) {
	fixture := newServiceFixture(t)
	initial := fixture.signUp(t)

	if err := fixture.service.Logout(context.Background(), initial.Shop.ID); err != nil {
		t.Fatalf("logout error: %v", err)
	}
	if _, err := fixture.keysets.FindByShop(context.Background(), initial.Shop.ID); !errors.Is(err, ErrKeysetNotFound) {
		t.Fatalf("expected keyset gone, got %v", err)
	}
	if _, err := fixture.service.Refresh(context.Background(), initial.Tokens.RefreshToken); KindOf(err) != KindAuthFailure {
		t.Fatalf("expected auth failure after logout, got %v", err)
	}

	if err := fixture.service.Logout(context.Background(), initial.Shop.ID); KindOf(err) != KindNotFound {
		t.Fatalf("expected not found on second logout, got %v", err)
	}
}

type keysetStoreWithFailingUpsert struct {
	*MemoryKeysetStore
}

func (store keysetStoreWithFailingUpsert) Upsert(ctx context.Context, shopID string, accessSecret string, refreshSecret string, refreshToken string) error {
	return errors.New("disk full")
}

func TestSignUpCompensatesWhenKeysetWriteFails(t *testing.T) {
	shops := NewMemoryShopStore()
	keysets := keysetStoreWithFailingUpsert{NewMemoryKeysetStore()}
	service := NewAccessService(shops, keysets, nil, nil, nil, bcrypt.MinCost)

	_, err := service.SignUp(context.Background(), "Corner Store", "owner@example.com", "hunter22")
	if KindOf(err) != KindStorage {
		t.Fatalf("expected storage error, got %v", err)
	}

	// The shop row must not survive the failed keyset write.
	if _, findErr := shops.FindByEmail(context.Background(), "owner@example.com"); !errors.Is(findErr, ErrShopNotFound) {
		t.Fatalf("expected shop row rolled back, got %v", findErr)
	}
}

func TestConcurrentRefreshSingleWinner(t *testing.T) {
	fixture := newServiceFixture(t)
	initial := fixture.signUp(t)

	type outcome struct {
		result AuthResult
		err    error
	}
	outcomes := make(chan outcome, 2)
	for index := 0; index < 2; index++ {
		go func() {
			result, err := fixture.service.Refresh(context.Background(), initial.Tokens.RefreshToken)
			outcomes <- outcome{result: result, err: err}
		}()
	}

	winners, losers := 0, 0
	for index := 0; index < 2; index++ {
		received := <-outcomes
		switch KindOf(received.err) {
		case KindUnknown:
			if received.err != nil {
				t.Fatalf("unexpected error: %v", received.err)
			}
			winners++
		case KindForbidden, KindAuthFailure:
			// The loser either trips reuse detection or finds the token
			// already rotated out, depending on interleaving.
			losers++
		default:
			t.Fatalf("unexpected outcome: %v", received.err)
		}
	}
	if winners > 1 {
		t.Fatalf("at most one concurrent refresh may win, got %d", winners)
	}
	if winners+losers != 2 {
		t.Fatalf("unexpected outcome split: winners=%d losers=%d", winners, losers)
	}
}
