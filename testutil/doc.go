// Package testutil provides fakes and fixtures for pull client tests.
//
// FakeCaller stands in for the REST primitive: register results per method
// with Respond, Handle or Fail, then inspect Calls. FakeFactory hands out
// FakeConnectors that tests open, feed frames into and close with any code,
// so the orchestrator can be driven without a network:
//
//	factory := testutil.NewFakeFactory()
//	// ... start a client with the factory ...
//	conn := factory.Next(t)
//	conn.Open()
//	conn.DeliverText(frame)
//	conn.CloseWith(transport.CloseServerRestart, "restart")
//
// PullConfig and PublicChannelList build server payloads.
//
// StartNATS and StartRedis run backends in containers via testcontainers-go
// and skip under -short.
package testutil
