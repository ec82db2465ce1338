package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/dgrijalva/jwt-go"
	. "github.com/smartystreets/goconvey/convey"
	"github.com/v-usatikov/microscope-controller-sub000/onboard/store"
)

// setupStore opens a fresh database as ENV.Store.
func setupStore(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	ENV.Store = s
}

func TestJWTGeneration(t *testing.T) {
	Convey("test basic claim creation", t, func() {
		ts, err := newJWT("hello test")
		So(err, ShouldBeNil)
		So(ts, ShouldNotBeEmpty)

		Convey("the token carries the subject and issuer", func() {
			claims := &jwt.StandardClaims{}
			token, err := jwt.ParseWithClaims(ts, claims, func(*jwt.Token) (interface{}, error) {
				return []byte(ENV.JWTSecret), nil
			})
			So(err, ShouldBeNil)
			So(token.Valid, ShouldBeTrue)
			So(claims.Subject, ShouldEqual, "hello test")
			So(claims.Issuer, ShouldEqual, ENV.JWTIssuer)
		})
	})
}

func login(email, password string) *httptest.ResponseRecorder {
	lp := &LoginPayload{
		Email:    email,
		Password: password,
	}
	body, _ := json.Marshal(lp)

	req := httptest.NewRequest("POST", "/api/login/", bytes.NewBuffer(body))
	req.Header.Add("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	http.HandlerFunc(Login).ServeHTTP(rr, req)
	return rr
}

func TestLogin(t *testing.T) {
	setupStore(t)

	user := &store.User{
		Email: "login@test.case",
	}
	if err := user.SetPassword([]byte("testing123")); err != nil {
		t.Fatal(err)
	}
	if err := ENV.Store.SaveUser(user); err != nil {
		t.Fatal(err)
	}

	Convey("Valid request works as expected", t, func() {
		rr := login("login@test.case", "testing123")
		So(rr.Code, ShouldEqual, http.StatusOK)
		So(rr.Body.String(), ShouldContainSubstring, `"token":`)
	})

	Convey("Invalid credentials return error", t, func() {
		Convey("Incorrect username provides 404", func() {
			So(login("login-no@test.case", "testing123").Code, ShouldEqual, http.StatusNotFound)
		})

		Convey("Incorrect password provides 403", func() {
			So(login("login@test.case", "testing12").Code, ShouldEqual, http.StatusForbidden)
		})

		Convey("Missing email provides 400", func() {
			So(login("", "testing123").Code, ShouldEqual, http.StatusBadRequest)
		})
	})
}

func TestValidateJWT(t *testing.T) {
	protected := ValidateJWT(http.HandlerFunc(JWTRefresh))
	get := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/api/refresh_token", nil)
		if token != "" {
			req.Header.Add("Authorization", "Bearer "+token)
		}
		rr := httptest.NewRecorder()
		protected.ServeHTTP(rr, req)
		return rr
	}

	Convey("Requests without a token are rejected", t, func() {
		rr := get("")
		So(rr.Code, ShouldEqual, http.StatusUnauthorized)
		So(rr.Body.String(), ShouldContainSubstring, JWTEmpty.Error())
	})

	Convey("A valid token is refreshed", t, func() {
		ts, err := newJWT("refresh@test.case")
		So(err, ShouldBeNil)
		rr := get(ts)
		So(rr.Code, ShouldEqual, http.StatusOK)
		So(rr.Body.String(), ShouldContainSubstring, `"token":`)
	})

	Convey("A token from the query is accepted", t, func() {
		ts, _ := newJWT("query@test.case")
		req := httptest.NewRequest("GET", "/api/refresh_token?jwt="+ts, nil)
		rr := httptest.NewRecorder()
		protected.ServeHTTP(rr, req)
		So(rr.Code, ShouldEqual, http.StatusOK)
	})

	Convey("Expired and foreign tokens are rejected", t, func() {
		lifespan := JWT_LIFESPAN
		JWT_LIFESPAN = -time.Minute
		ts, _ := newJWT("expired@test.case")
		JWT_LIFESPAN = lifespan

		rr := get(ts)
		So(rr.Code, ShouldEqual, http.StatusUnauthorized)
		So(rr.Body.String(), ShouldContainSubstring, "Token has expired")

		foreign := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.StandardClaims{Subject: "x"})
		fs, _ := foreign.SignedString([]byte("another secret"))
		rr = get(fs)
		So(rr.Code, ShouldEqual, http.StatusUnauthorized)
		So(rr.Body.String(), ShouldContainSubstring, "Invalid token")
	})
}
