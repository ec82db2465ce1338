package main

import (
	"bytes"
	"encoding/json"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/smartystreets/goconvey/convey"
	"github.com/v-usatikov/microscope-controller-sub000/onboard"
)

// setupDevice installs a simulator as ENV.Device.
func setupDevice(t *testing.T) *onboard.Microscope {
	setupStore(t)
	device, err := onboard.NewSimulator(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { device.Close() })
	ENV.Device = device
	ENV.Stop.Reset()
	return device
}

func request(router http.Handler, method, path string, payload interface{}) *httptest.ResponseRecorder {
	var body bytes.Buffer
	if payload != nil {
		json.NewEncoder(&body).Encode(payload)
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Add("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestMotorsAPI(t *testing.T) {
	setupDevice(t)
	ENV.DEBUG = true
	defer func() { ENV.DEBUG = false }()
	router := NewRouter()

	Convey("Motors are listed with their positions", t, func() {
		rr := request(router, "GET", "/api/motors", nil)
		So(rr.Code, ShouldEqual, http.StatusOK)

		var states []MotorState
		So(json.Unmarshal(rr.Body.Bytes(), &states), ShouldBeNil)
		names := make([]string, len(states))
		for i, s := range states {
			names[i] = s.Name
		}
		So(names, ShouldResemble, []string{"jet_x", "jet_z", "laser_y", "laser_z"})
	})

	Convey("A motor moves to a target and by a shift", t, func() {
		rr := request(router, "POST", "/api/motors/jet_x/go_to", map[string]interface{}{
			"target": 100, "units": "displ", "wait": true,
		})
		So(rr.Code, ShouldEqual, http.StatusOK)
		var state MotorState
		So(json.Unmarshal(rr.Body.Bytes(), &state), ShouldBeNil)
		So(state.Position, ShouldAlmostEqual, 100, 1)

		rr = request(router, "POST", "/api/motors/jet_x/go", map[string]interface{}{
			"shift": -50, "units": "displ", "wait": true,
		})
		So(rr.Code, ShouldEqual, http.StatusOK)
		So(json.Unmarshal(rr.Body.Bytes(), &state), ShouldBeNil)
		So(state.Position, ShouldAlmostEqual, 50, 1)
	})

	Convey("Bad move requests are rejected", t, func() {
		So(request(router, "POST", "/api/motors/nope/go_to", map[string]interface{}{"target": 1}).Code,
			ShouldEqual, http.StatusNotFound)
		So(request(router, "POST", "/api/motors/jet_x/go_to", map[string]interface{}{"shift": 1}).Code,
			ShouldEqual, http.StatusBadRequest)
		So(request(router, "POST", "/api/motors/jet_x/go_to", map[string]interface{}{"target": 1, "units": "mm"}).Code,
			ShouldEqual, http.StatusBadRequest)
		So(request(router, "POST", "/api/calibrate", map[string]interface{}{}).Code,
			ShouldEqual, http.StatusBadRequest)
	})

	Convey("Stop raises the stop flag", t, func() {
		rr := request(router, "POST", "/api/stop", nil)
		So(rr.Code, ShouldEqual, http.StatusNoContent)
		So(ENV.Stop.HasStopRequested(), ShouldBeTrue)
		ENV.Stop.Reset()
	})
}

func TestPlasmaAPI(t *testing.T) {
	device := setupDevice(t)
	ENV.DEBUG = true
	defer func() { ENV.DEBUG = false }()
	router := NewRouter()

	Convey("The plasma is reported", t, func() {
		rr := request(router, "GET", "/api/plasma", nil)
		So(rr.Code, ShouldEqual, http.StatusOK)
		var state PlasmaState
		So(json.Unmarshal(rr.Body.Bytes(), &state), ShouldBeNil)
		So(state.Radius, ShouldBeGreaterThan, 0)
		So(state.Holding, ShouldBeFalse)
	})

	Convey("Unknown calibration kinds are rejected", t, func() {
		rr := request(router, "POST", "/api/plasma/calibrate", map[string]interface{}{"kind": "focus"})
		So(rr.Code, ShouldEqual, http.StatusBadRequest)
	})

	Convey("The holder starts and stops", t, func() {
		rr := request(router, "POST", "/api/holder/start", nil)
		So(rr.Code, ShouldEqual, http.StatusOK)
		So(device.Holder.Running(), ShouldBeTrue)

		rr = request(router, "POST", "/api/holder/stop", nil)
		So(rr.Code, ShouldEqual, http.StatusNoContent)
		So(device.Holder.Running(), ShouldBeFalse)
	})

	Convey("Without plasma the conflict is reported", t, func() {
		device.Jet.SetLaser(false)
		defer device.Jet.SetLaser(true)
		rr := request(router, "GET", "/api/plasma", nil)
		So(rr.Code, ShouldEqual, http.StatusConflict)
		So(rr.Body.String(), ShouldContainSubstring, "no plasma found")
	})
}

func TestAuthenticatedRoutes(t *testing.T) {
	setupDevice(t)
	router := NewRouter()

	Convey("The API requires a token outside debug mode", t, func() {
		So(request(router, "GET", "/api/motors", nil).Code, ShouldEqual, http.StatusUnauthorized)

		ts, err := newJWT("api@test.case")
		So(err, ShouldBeNil)
		req := httptest.NewRequest("GET", "/api/motors", nil)
		req.Header.Add("Authorization", "Bearer "+ts)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		So(rr.Code, ShouldEqual, http.StatusOK)
	})
}

func TestCameraStream(t *testing.T) {
	device := setupDevice(t)
	ENV.DEBUG = true
	defer func() { ENV.DEBUG = false }()
	server := httptest.NewServer(NewRouter())
	defer server.Close()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/camera/"

	Convey("Frames arrive as JPEG images", t, func() {
		conn, _, err := websocket.DefaultDialer.Dial(url+"cam1", nil)
		So(err, ShouldBeNil)
		defer conn.Close()

		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		mt, data, err := conn.ReadMessage()
		So(err, ShouldBeNil)
		So(mt, ShouldEqual, websocket.BinaryMessage)

		img, err := jpeg.Decode(bytes.NewReader(data))
		So(err, ShouldBeNil)
		cam, _ := device.Camera("cam1")
		w, h := cam.Resolution()
		So(img.Bounds().Dx(), ShouldEqual, w)
		So(img.Bounds().Dy(), ShouldEqual, h)
	})

	Convey("Unknown cameras are not found", t, func() {
		_, resp, err := websocket.DefaultDialer.Dial(url+"cam9", nil)
		So(err, ShouldNotBeNil)
		So(resp.StatusCode, ShouldEqual, http.StatusNotFound)
	})
}
