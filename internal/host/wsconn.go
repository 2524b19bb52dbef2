package host

import (
	"bytes"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// upgrader 是 WebSocket 主机控制台使用的升级器
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn 把 websocket.Conn 适配成字节流 (net.Conn)。
// 文本帧与二进制帧都按原始字节处理，便于在浏览器里直接敲 AT 命令。
type wsConn struct {
	*websocket.Conn
	readBuffer bytes.Buffer
	wmu        sync.Mutex
}

func newServerConn(w http.ResponseWriter, r *http.Request) (*wsConn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{Conn: ws}, nil
}

// dialConn 连接一个 WebSocket 主机端点，测试与调试工具使用
func dialConn(urlStr string) (*wsConn, error) {
	ws, _, err := websocket.DefaultDialer.Dial(urlStr, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{Conn: ws}, nil
}

// Read 只由 Link 的 pump goroutine 调用
func (c *wsConn) Read(b []byte) (int, error) {
	for c.readBuffer.Len() == 0 {
		_, msg, err := c.Conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		c.readBuffer.Write(msg)
	}
	return c.readBuffer.Read(b)
}

func (c *wsConn) Write(b []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.Conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wsConn) Close() error {
	return c.Conn.Close()
}

func (c *wsConn) LocalAddr() net.Addr {
	return c.Conn.LocalAddr()
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.Conn.RemoteAddr()
}

func (c *wsConn) SetDeadline(t time.Time) error {
	_ = c.Conn.SetReadDeadline(t)
	return c.Conn.SetWriteDeadline(t)
}

var _ net.Conn = (*wsConn)(nil)
