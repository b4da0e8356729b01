package apiserver

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/giapdangle/sapphire-tools/exchange"
	"github.com/giapdangle/sapphire-tools/longpoll"
)

// sessionCookie names the long-poll session cookie.
const sessionCookie = "sapphire_session"

// reservedAttrs are object metadata, not settable attributes. Request
// bodies may carry them (a client PUTting back a dict it fetched) and
// they are skipped.
var reservedAttrs = map[string]struct{}{
	"object_id":  {},
	"origin_id":  {},
	"collection": {},
	"updated_at": {},
}

func errResp(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func (s *Server) index(c echo.Context) error {
	return c.JSON(http.StatusOK, []string{"objects", "events"})
}

func (s *Server) listCollections(c echo.Context) error {
	return c.JSON(http.StatusOK, s.objects.Collections())
}

// listObjects returns the collection's objects, narrowed by query
// parameters: every key=value pair must match the object's dictionary.
func (s *Server) listObjects(c echo.Context) error {
	match := map[string]any{"collection": c.Param("collection")}
	for k, vs := range c.QueryParams() {
		if len(vs) > 0 {
			match[k] = vs[0]
		}
	}

	objs := s.objects.Query(exchange.Query{Match: match})
	if len(objs) == 0 {
		return c.JSON(http.StatusNotFound, errResp("no matching objects"))
	}

	dicts := make([]map[string]any, 0, len(objs))
	for _, o := range objs {
		dicts = append(dicts, o.ToDict())
	}
	return c.JSON(http.StatusOK, dicts)
}

// find resolves the request's collection/id pair to a published object.
func (s *Server) find(c echo.Context) (*exchange.Object, bool) {
	obj, ok := s.objects.Get(c.Param("id"))
	if !ok || obj.Collection() != c.Param("collection") {
		return nil, false
	}
	return obj, true
}

func (s *Server) getObject(c echo.Context) error {
	obj, ok := s.find(c)
	if !ok {
		return c.JSON(http.StatusNotFound, errResp("no such object"))
	}
	return c.JSON(http.StatusOK, obj.ToDict())
}

// putObject writes the given attributes, creating and publishing the
// object when the id is new. The created object belongs to this
// process, so later PUTs to it may grow the schema.
func (s *Server) putObject(c echo.Context) error {
	attrs, err := bindAttrs(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errResp("invalid request body"))
	}

	collection, id := c.Param("collection"), c.Param("id")
	obj, ok := s.objects.Get(id)
	if ok && obj.Collection() != collection {
		return c.JSON(http.StatusConflict, errResp("object id belongs to another collection"))
	}

	status := http.StatusOK
	if !ok {
		obj = s.objects.NewObjectWithID(id, collection)
		status = http.StatusCreated
	}
	if err := setAttrs(obj, attrs); err != nil {
		return attrError(c, err)
	}
	obj.Publish()
	return c.JSON(status, obj.ToDict())
}

// patchObject updates attributes on an existing object.
func (s *Server) patchObject(c echo.Context) error {
	attrs, err := bindAttrs(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errResp("invalid request body"))
	}

	obj, ok := s.find(c)
	if !ok {
		return c.JSON(http.StatusNotFound, errResp("no such object"))
	}
	if err := setAttrs(obj, attrs); err != nil {
		return attrError(c, err)
	}
	obj.Publish()
	return c.JSON(http.StatusOK, obj.ToDict())
}

func (s *Server) deleteObject(c echo.Context) error {
	obj, ok := s.find(c)
	if !ok {
		return c.JSON(http.StatusNotFound, errResp("no such object"))
	}
	if err := obj.Delete(); err != nil {
		return c.JSON(http.StatusForbidden, errResp(err.Error()))
	}
	return c.NoContent(http.StatusNoContent)
}

// events long-polls the caller's session queue. The session rides a
// cookie, with a "session" query parameter for clients that cannot
// keep one. "timeout" (whole seconds) shortens the default 60 s wait;
// 0 drains without blocking.
func (s *Server) events(c echo.Context) error {
	sid := c.QueryParam("session")
	if sid == "" {
		if ck, err := c.Cookie(sessionCookie); err == nil && ck.Value != "" {
			sid = ck.Value
		}
	}
	if sid == "" {
		sid = uuid.NewString()
		c.SetCookie(&http.Cookie{Name: sessionCookie, Value: sid, Path: "/"})
	}

	wait := longpoll.DefaultWait
	if raw := c.QueryParam("timeout"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs < 0 {
			return c.JSON(http.StatusBadRequest, errResp("invalid timeout"))
		}
		if d := time.Duration(secs) * time.Second; d < wait {
			wait = d
		}
	}

	evs := s.sessions.Session(sid).Next(wait)
	dicts := make([]map[string]any, 0, len(evs))
	for _, e := range evs {
		dicts = append(dicts, e.ToDict())
	}
	return c.JSON(http.StatusOK, dicts)
}

// bindAttrs reads the request body as an attribute map. Numbers decode
// through the exchange's JSON rules so 64-bit ids survive intact.
func bindAttrs(c echo.Context) (map[string]any, error) {
	req := c.Request()
	if req.Body == nil || req.ContentLength == 0 {
		return map[string]any{}, nil
	}
	raw, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	return exchange.DecodeDict(raw)
}

// setAttrs applies the request attributes. On an object this process
// does not originate the keys are checked up front, so a rejected
// request does not leave half of them applied.
func setAttrs(obj *exchange.Object, attrs map[string]any) error {
	if !obj.IsOriginator() {
		for k := range attrs {
			if _, reserved := reservedAttrs[k]; reserved {
				continue
			}
			if _, ok := obj.Get(k); !ok {
				return fmt.Errorf("%w: cannot add key %q to %s", exchange.ErrNotOriginator, k, obj.ID())
			}
		}
	}
	for k, v := range attrs {
		if _, reserved := reservedAttrs[k]; reserved {
			continue
		}
		if err := obj.Set(k, v); err != nil {
			return err
		}
	}
	return nil
}

// attrError maps attribute write failures onto a status code.
func attrError(c echo.Context, err error) error {
	if errors.Is(err, exchange.ErrNotOriginator) {
		return c.JSON(http.StatusForbidden, errResp(err.Error()))
	}
	return c.JSON(http.StatusBadRequest, errResp(err.Error()))
}
