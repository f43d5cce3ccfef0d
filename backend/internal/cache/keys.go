package cache

import "fmt"

// 键语义：
// - presenceKey(roomID):   房间在线用户集合（Set<userId>，带 TTL，每次加入刷新）
// - recentKey(roomID):     房间最近消息列表（List，新消息在头部，LTRIM 保持上限）
// - userNameKey(userID):   用户显示名缓存（String，空值用 nullMarker 标记）
// - lockKey(name):         分布式锁（String，值为持有者 token）
//
// 花括号是 redis cluster 的 hash tag，同一房间的键落在同一个 slot

const (
	keyPresenceFmt = "chat:presence:{room:%d}" // Set<userId>
	keyRecentFmt   = "chat:recent:{room:%d}"   // List<json>
	keyUserNameFmt = "chat:user:name:{%d}"     // String
	keyLockPrefix  = "lock:"
)

func presenceKey(roomID uint64) string { return fmt.Sprintf(keyPresenceFmt, roomID) }
func recentKey(roomID uint64) string   { return fmt.Sprintf(keyRecentFmt, roomID) }
func lockKey(name string) string       { return keyLockPrefix + name }

// UserNameKey 显示名缓存键，chat 包的名字解析器也用它
func UserNameKey(userID uint64) string { return fmt.Sprintf(keyUserNameFmt, userID) }

// PresenceLockName 房间在线集合对账时使用的锁名
func PresenceLockName(roomID uint64) string { return fmt.Sprintf("presence:reconcile:{room:%d}", roomID) }
